package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/pkg/apierror"
)

const maxBodyBytes = 1 << 20

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func bodyValidator() *validator.Validate {
	validateOnce.Do(func() {
		vld := validator.New(validator.WithRequiredStructEnabled())
		vld.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		// amounts travel as strings so they never pass through float64
		if err := vld.RegisterValidation("positive_amount", positiveAmount); err != nil {
			panic(fmt.Sprintf("register positive_amount validation: %v", err))
		}
		validate = vld
	})
	return validate
}

// positiveAmount checks decimal strings; amounts travel as strings so they
// never pass through float64.
func positiveAmount(fl validator.FieldLevel) bool {
	str := fl.Field().String()
	if str == "" {
		return true
	}
	d, err := decimal.NewFromString(str)
	return err == nil && d.IsPositive()
}

// decodeBody reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set, leaving dst at its zero value.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return apierror.BadRequest("invalid JSON body: " + err.Error())
		}
	}
	if err := bodyValidator().Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return apierror.FromValidation(verrs)
		}
		return apierror.BadRequest(err.Error())
	}
	return nil
}

// parseAmount converts a validated amount string.
func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, apierror.ValidationError("invalid amount",
			apierror.FieldError{Field: field, Message: "must be a decimal number"})
	}
	return d, nil
}

// parseDate reads a YYYY-MM-DD date as midnight UTC. Empty means unset.
func parseDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.UTC)
	if err != nil {
		return nil, apierror.ValidationError("invalid date",
			apierror.FieldError{Field: field, Message: fmt.Sprintf("must be formatted %s", time.DateOnly)})
	}
	return &t, nil
}

// ActorResolver derives the caller identity from request headers.
type ActorResolver struct {
	elevated map[string]struct{}
}

// NewActorResolver treats every listed role as elevated.
func NewActorResolver(elevatedRoles []string) ActorResolver {
	set := make(map[string]struct{}, len(elevatedRoles))
	for _, role := range elevatedRoles {
		if role = strings.TrimSpace(role); role != "" {
			set[strings.ToLower(role)] = struct{}{}
		}
	}
	return ActorResolver{elevated: set}
}

// Resolve reads X-Actor-ID and X-Actor-Role.
func (a ActorResolver) Resolve(r *http.Request) (model.Actor, error) {
	id := strings.TrimSpace(r.Header.Get("X-Actor-ID"))
	if id == "" {
		return model.Actor{}, apierror.Unauthorized("X-Actor-ID header is required")
	}
	role := strings.TrimSpace(r.Header.Get("X-Actor-Role"))
	_, elevated := a.elevated[strings.ToLower(role)]
	return model.Actor{ID: id, Role: role, Elevated: elevated}, nil
}
