package options

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/iago/converter-saas-back/internal/domain"
)

// bag reads typed values out of a job's untyped options. Values arrive either as
// form strings or as decoded JSON (float64, bool, []any).
type bag map[string]any

func (b bag) string(key string) string {
	value, ok := b[key]
	if !ok || value == nil {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case json.Number:
		return typed.String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func (b bag) float(key string) (float64, error) {
	text := b.string(key)
	if text == "" {
		return 0, domain.Errorf(domain.KindInvalidInput, "%s is required", key)
	}
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, domain.Errorf(domain.KindInvalidInput, "%s must be a number", key)
	}
	return value, nil
}

func (b bag) int(key string) (int, error) {
	text := b.string(key)
	if text == "" {
		return 0, domain.Errorf(domain.KindInvalidInput, "%s is required", key)
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, domain.Errorf(domain.KindInvalidInput, "%s must be an integer", key)
	}
	return value, nil
}

// positiveInt returns 0 when the key is absent.
func (b bag) positiveInt(key string) (int, error) {
	if b.string(key) == "" {
		return 0, nil
	}
	value, err := b.int(key)
	if err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, domain.Errorf(domain.KindInvalidInput, "%s must be positive", key)
	}
	return value, nil
}

func (b bag) boolDefault(key string, fallback bool) (bool, error) {
	if value, ok := b[key].(bool); ok {
		return value, nil
	}
	text := strings.ToLower(b.string(key))
	switch text {
	case "":
		return fallback, nil
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	value, err := strconv.ParseBool(text)
	if err != nil {
		return false, domain.Errorf(domain.KindInvalidInput, "%s must be a boolean", key)
	}
	return value, nil
}

// strings accepts a JSON list or a comma separated string.
func (b bag) strings(key string) []string {
	var items []string
	switch typed := b[key].(type) {
	case []string:
		items = typed
	case []any:
		for _, item := range typed {
			items = append(items, fmt.Sprint(item))
		}
	default:
		items = strings.Split(b.string(key), ",")
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (b bag) ints(key string) ([]int, error) {
	items := b.strings(key)
	result := make([]int, 0, len(items))
	for _, item := range items {
		value, err := strconv.Atoi(item)
		if err != nil {
			return nil, domain.Errorf(domain.KindInvalidInput, "%s must be a list of integers", key)
		}
		result = append(result, value)
	}
	return result, nil
}
