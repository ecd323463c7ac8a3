package utils

import (
	"github.com/bytedance/sonic"

	"github.com/saiset-co/sai-resilience/types"
)

// api is shared by HTTP bodies and websocket frames so both sides of the
// service encode the same way.
var api = sonic.ConfigStd

func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal[T any](data []byte, target *T) error {
	return api.Unmarshal(data, target)
}

// UnmarshalConfig decodes a free-form config section (as produced by the YAML
// loader) into target. A value that already has the target type is copied.
func UnmarshalConfig[T any](section interface{}, target *T) error {
	switch typed := section.(type) {
	case nil:
		return types.ErrConfigIsNil
	case *T:
		*target = *typed
		return nil
	case T:
		*target = typed
		return nil
	}

	data, err := api.Marshal(section)
	if err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "encode section: %v", err)
	}

	if err = api.Unmarshal(data, target); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "decode section: %v", err)
	}

	return nil
}
