package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("nonce", func(fl validator.FieldLevel) bool {
		return ValidNonce(fl.Field().String())
	})
	return v
}

func malformed(field string, err error) error {
	return &MalformedDescriptorError{Field: field, Err: err}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return malformed(fe.Namespace(), fmt.Errorf("failed %q check", fe.Tag()))
	}
	return malformed("", err)
}

// NewPaymentRequired builds the 402 body advertising q.
func NewPaymentRequired(q PriceQuote) PaymentRequired {
	scheme := q.Scheme
	if scheme == "" {
		scheme = SchemeExact
	}
	return PaymentRequired{
		X402Version: Version,
		Accepts: []Requirements{{
			Scheme:            scheme,
			Network:           q.Network,
			MaxAmountRequired: strconv.FormatUint(q.Amount, 10),
			Asset:             q.Asset,
			PayTo:             q.PayTo,
			Resource:          q.Resource,
			Description:       q.Description,
			MimeType:          q.MimeType,
			MaxTimeoutSeconds: q.MaxTimeoutSeconds,
		}},
		Resource: q.Resource,
	}
}

// EncodeChallenge serializes q as a 402 response body.
func EncodeChallenge(q PriceQuote) ([]byte, error) {
	body := NewPaymentRequired(q)
	if err := validate.Struct(body.Accepts[0]); err != nil {
		return nil, validationError(err)
	}
	return json.Marshal(body)
}

// ParseChallenge decodes a 402 body without selecting a requirement.
// Use it to read the error code of a rejected payment.
func ParseChallenge(data []byte) (*PaymentRequired, error) {
	var body PaymentRequired
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, malformed("body", err)
	}
	if body.X402Version != Version {
		return nil, malformed("x402Version", fmt.Errorf("unsupported version %d", body.X402Version))
	}
	return &body, nil
}

// DecodeChallenge decodes a 402 body and returns the quote for the first
// requirement using the exact scheme.
func DecodeChallenge(data []byte) (PriceQuote, error) {
	body, err := ParseChallenge(data)
	if err != nil {
		return PriceQuote{}, err
	}

	var req *Requirements
	for i := range body.Accepts {
		if body.Accepts[i].Scheme == SchemeExact {
			req = &body.Accepts[i]
			break
		}
	}
	if req == nil {
		return PriceQuote{}, malformed("accepts", errors.New("no requirement with the exact scheme"))
	}
	if err := validate.Struct(req); err != nil {
		return PriceQuote{}, validationError(err)
	}
	amount, err := strconv.ParseUint(req.MaxAmountRequired, 10, 64)
	if err != nil {
		return PriceQuote{}, malformed("maxAmountRequired", err)
	}

	resource := req.Resource
	if resource == "" {
		resource = body.Resource
	}
	return PriceQuote{
		Scheme:            req.Scheme,
		Network:           req.Network,
		Asset:             req.Asset,
		Amount:            amount,
		PayTo:             req.PayTo,
		Resource:          resource,
		Description:       req.Description,
		MimeType:          req.MimeType,
		MaxTimeoutSeconds: req.MaxTimeoutSeconds,
	}, nil
}

// EncodePayment serializes p for the X-PAYMENT header (base64 of JSON).
func EncodePayment(p SignedPayment) (string, error) {
	if err := validate.Struct(p); err != nil {
		return "", validationError(err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", malformed("", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses an X-PAYMENT header value. Both base64 JSON and
// raw JSON are accepted.
func DecodePayment(header string) (SignedPayment, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return SignedPayment{}, malformed("header", errors.New("empty"))
	}

	data := []byte(header)
	if header[0] != '{' {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(header)
		}
		if err != nil {
			return SignedPayment{}, malformed("header", fmt.Errorf("not base64 or JSON: %w", err))
		}
		data = decoded
	}

	var p SignedPayment
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return SignedPayment{}, malformed("payload", err)
	}
	if err := validate.Struct(p); err != nil {
		return SignedPayment{}, validationError(err)
	}
	p.Payload.Authorization.Nonce = NormalizeNonce(p.Payload.Authorization.Nonce)
	return p, nil
}

// EncodeSettlement serializes r for the X-Payment-Response header.
func EncodeSettlement(r SettlementResult) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlement parses an X-Payment-Response header value.
func DecodeSettlement(header string) (SettlementResult, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return SettlementResult{}, malformed("settlement", err)
	}
	var r SettlementResult
	if err := json.Unmarshal(data, &r); err != nil {
		return SettlementResult{}, malformed("settlement", err)
	}
	return r, nil
}
