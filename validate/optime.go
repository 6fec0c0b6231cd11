package validate

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/uberVU/mongo-oplogreplay/config"
)

// validateOpTime checks if a string parses as a logical timestamp
// ("<seconds>" or "<seconds>,<ordinal>").
// Tag usage: optime
func validateOpTime(fl validator.FieldLevel) bool {
	s := getStringValue(fl.Field())
	if s == "" {
		return true // empty = not overridden
	}

	_, err := config.ParseStartPosition(s)

	return err == nil
}

// validateNamespace checks a namespace selector: "db", "db.*" or "db.coll".
// Tag usage: namespace
func validateNamespace(fl validator.FieldLevel) bool {
	s := getStringValue(fl.Field())
	if s == "" {
		return false
	}

	db, _, _ := strings.Cut(s, ".")

	return db != ""
}

func getStringValue(field reflect.Value) string {
	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			return ""
		}

		return field.Elem().String()
	}

	return field.String()
}
