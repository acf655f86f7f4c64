package actions

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// CryptoTools returns the hashing and id tools.
func CryptoTools() []Action {
	return []Action{
		&hashTool{},
		&hmacTool{},
		&uuidTool{},
	}
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type hashTool struct{}

func (t *hashTool) Name() string { return "crypto.hash" }

func (t *hashTool) Schema() ActionSchema {
	return ActionSchema{
		Description: "Hex digest of a string",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"data"},
			"properties": map[string]any{
				"data":      map[string]any{"type": "string"},
				"algorithm": map[string]any{"type": "string", "default": "sha256"},
			},
		},
	}
}

func (t *hashTool) Validate(input map[string]any) error {
	if _, ok := input["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	return nil
}

func (t *hashTool) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(stringParam(input.Params, "data", "")))
	return &ActionOutput{Data: map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}}, nil
}

// --- crypto.hmac ---

type hmacTool struct{}

func (t *hmacTool) Name() string { return "crypto.hmac" }

func (t *hmacTool) Schema() ActionSchema {
	return ActionSchema{Description: "Hex HMAC of a string with the given key"}
}

func (t *hmacTool) Validate(input map[string]any) error {
	if _, ok := input["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	if _, ok := input["key"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' string parameter")
	}
	return nil
}

func (t *hmacTool) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	algorithm := stringParam(input.Params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(stringParam(input.Params, "key", "")))
	mac.Write([]byte(stringParam(input.Params, "data", "")))
	return &ActionOutput{Data: map[string]any{
		"hmac":      hex.EncodeToString(mac.Sum(nil)),
		"algorithm": algorithm,
	}}, nil
}

// --- crypto.uuid ---

type uuidTool struct{}

func (t *uuidTool) Name() string { return "crypto.uuid" }

func (t *uuidTool) Schema() ActionSchema {
	return ActionSchema{Description: "Generate a v4 UUID"}
}

func (t *uuidTool) Validate(map[string]any) error { return nil }

func (t *uuidTool) Execute(context.Context, ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: map[string]any{"uuid": uuid.NewString()}}, nil
}
