package template

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type helperFunc func(args []any) (any, error)

// helpers is the built-in function set available inside {{...}} expressions.
var helpers = map[string]helperFunc{
	"now":          helperNow,
	"addDays":      dateShift(func(t time.Time, n int) time.Time { return t.AddDate(0, 0, n) }),
	"subtractDays": dateShift(func(t time.Time, n int) time.Time { return t.AddDate(0, 0, -n) }),
	"addMonths":    dateShift(func(t time.Time, n int) time.Time { return t.AddDate(0, n, 0) }),
	"addHours":     dateShift(func(t time.Time, n int) time.Time { return t.Add(time.Duration(n) * time.Hour) }),
	"formatDate":   helperFormatDate,
	"multiply":     numericPair(func(a, b float64) float64 { return a * b }),
	"add":          numericPair(func(a, b float64) float64 { return a + b }),
	"subtract":     numericPair(func(a, b float64) float64 { return a - b }),
	"round":        helperRound,
}

func helperNow(args []any) (any, error) {
	if len(args) != 0 {
		return nil, errors.New("expects no arguments")
	}

	return time.Now().UTC(), nil
}

func dateShift(shift func(time.Time, int) time.Time) helperFunc {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.New("expects (date, amount)")
		}

		base, err := toTime(args[0])
		if err != nil {
			return nil, err
		}

		amount, err := toNumber(args[1])
		if err != nil {
			return nil, err
		}

		return shift(base, int(amount)), nil
	}
}

func helperFormatDate(args []any) (any, error) {
	if len(args) != 2 {
		return nil, errors.New("expects (date, layout)")
	}

	base, err := toTime(args[0])
	if err != nil {
		return nil, err
	}

	layout, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("layout must be a string, got %T", args[1])
	}

	return base.Format(goLayout(layout)), nil
}

func numericPair(op func(a, b float64) float64) helperFunc {
	return func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.New("expects two numeric arguments")
		}

		a, err := toNumber(args[0])
		if err != nil {
			return nil, err
		}

		b, err := toNumber(args[1])
		if err != nil {
			return nil, err
		}

		return op(a, b), nil
	}
}

func helperRound(args []any) (any, error) {
	if len(args) != 1 {
		return nil, errors.New("expects one numeric argument")
	}

	value, err := toNumber(args[0])
	if err != nil {
		return nil, err
	}

	return math.Round(value), nil
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}

		return time.Time{}, fmt.Errorf("cannot parse %q as a date", v)
	default:
		return time.Time{}, fmt.Errorf("cannot use %T as a date", value)
	}
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		num, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a number", v)
		}

		return num, nil
	default:
		return 0, fmt.Errorf("cannot use %T as a number", value)
	}
}

// goLayout translates the common date pattern tokens used in manifests
// (YYYY-MM-DD style) to a Go reference layout. Strings already in Go layout
// form pass through unchanged.
func goLayout(layout string) string {
	replacer := strings.NewReplacer(
		"YYYY", "2006",
		"MM", "01",
		"DD", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)

	return replacer.Replace(layout)
}
