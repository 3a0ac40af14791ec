// Package validation содержит функции валидации входных данных.
package validation

// IsValidCurrencyCode проверяет, что строка является кодом валюты ISO 4217:
// ровно три заглавные латинские буквы.
func IsValidCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}

	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}

	return true
}
