package services

import "strings"

// commonPasswords is a short denylist of passwords seen at the top of
// public breach corpora. Checked case-insensitively at signup and on
// password change.
var commonPasswords = map[string]struct{}{
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"1234567890":  {},
	"password":    {},
	"password1":   {},
	"password123": {},
	"qwerty":      {},
	"qwerty123":   {},
	"qwertyuiop":  {},
	"11111111":    {},
	"abc12345":    {},
	"iloveyou":    {},
	"sunshine":    {},
	"princess":    {},
	"football":    {},
	"baseball":    {},
	"superman":    {},
	"welcome1":    {},
	"admin123":    {},
	"letmein1":    {},
	"trustno1":    {},
	"dragon123":   {},
	"monkey123":   {},
	"master123":   {},
	"shadow123":   {},
	"jupyter123":  {},
	"notebook1":   {},
}

func isCommonPassword(password string) bool {
	_, ok := commonPasswords[strings.ToLower(password)]
	return ok
}
