package utils

import (
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var CountryCode = regionFromEnv()

func regionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("STORE_COUNTRY_CODE")); v != "" {
		return v
	}
	return "VN"
}

func IsValidEmail(email string) bool {
	// Basic email validation regex pattern
	pattern := `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	regex := regexp.MustCompile(pattern)
	return regex.MatchString(email)
}

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err // Phone number is invalid
	}

	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}

	return nil // Phone number is valid for the specified country code
}

var phoneJunk = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizePhone strips spaces, dashes, dots and parentheses so that
// "090-123 4567" and "(090) 123-4567" match an order stored as "0901234567".
// Digits and a leading "+" are the only characters that survive.
func NormalizePhone(raw string) string {
	return phoneJunk.Replace(strings.TrimSpace(raw))
}

// GenerateOrderNumber builds a human-readable order number from a date prefix
// and a random suffix, e.g. ORD-20260901-3F7A2C. Collisions are accepted as
// negligible; the unique index on order_number is the backstop.
func GenerateOrderNumber(now time.Time) string {
	suffix := rand.Int63n(1 << 24)
	return fmt.Sprintf("ORD-%s-%06X", now.UTC().Format("20060102"), suffix)
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func UniqueSlice[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
