package actions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"
	"strings"

	"github.com/google/uuid"

	"github.com/bizportal/flowd/pkg/schema"
)

// referenceNamespace seeds name-based reference ids.
var referenceNamespace = uuid.MustParse("5b1f7c7e-3d5e-4d43-9a57-2f1c0b8f6a10")

// refNewAction implements "ref.new": allocate a business reference such as
// "LV-1A2B3C4D". The id is derived from the idempotency key, so a retried
// attempt gets the same reference.
type refNewAction struct{}

func (refNewAction) Name() string { return "ref.new" }

func (refNewAction) Schema() ActionSchema {
	return ActionSchema{Description: "Allocate a stable reference number for the current step attempt"}
}

func (refNewAction) Validate(map[string]any) error { return nil }

func (refNewAction) Execute(_ context.Context, input ActionInput) (any, error) {
	id := uuid.New()
	if input.IdempotencyKey != "" {
		id = uuid.NewSHA1(referenceNamespace, []byte(input.IdempotencyKey))
	}
	short := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	ref := short
	if prefix := stringParam(input.Params, "prefix", ""); prefix != "" {
		ref = prefix + "-" + short
	}
	return map[string]any{"reference": ref, "uuid": id.String()}, nil
}

// refSignAction implements "ref.sign": HMAC the step input so a receiving
// system can verify a callback came from this engine.
type refSignAction struct{}

func (refSignAction) Name() string { return "ref.sign" }

func (refSignAction) Schema() ActionSchema {
	return ActionSchema{Description: "Compute an HMAC signature of the step input"}
}

func (refSignAction) Validate(params map[string]any) error {
	if stringParam(params, "key", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "ref.sign requires 'key' param")
	}
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (refSignAction) Execute(_ context.Context, input ActionInput) (any, error) {
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if s, ok := input.Input.(string); ok {
		payload = []byte(s)
	} else if payload, err = json.Marshal(input.Input); err != nil {
		return nil, schema.NewError(schema.ErrCodeFatalAction, "ref.sign: input is not JSON-serialisable").WithCause(err)
	}

	mac := hmac.New(newHash, []byte(stringParam(input.Params, "key", "")))
	mac.Write(payload)
	return map[string]any{
		"signature": hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}
