package rules

import (
	"fmt"

	"github.com/spf13/viper"
)

// FieldContext carries parser context that is not derivable from the wire.
// Today that is only the short-header DCID length: the QUIC short header
// does not encode it, so before any dynamic rule has pinned a CID the
// parser needs it from here.
type FieldContext struct {
	ShortDCIDLen int `mapstructure:"short_dcid_length"`
}

// LoadContext reads a JSON field-context file. A missing path yields an
// empty context.
func LoadContext(path string) (*FieldContext, error) {
	if path == "" {
		return &FieldContext{}, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: context: %v", ErrRuleFileInvalid, err)
	}
	var ctx FieldContext
	if err := v.Unmarshal(&ctx); err != nil {
		return nil, fmt.Errorf("%w: context: %v", ErrRuleFileInvalid, err)
	}
	if ctx.ShortDCIDLen < 0 || ctx.ShortDCIDLen > 20 {
		return nil, fmt.Errorf("%w: context: short_dcid_length %d out of range", ErrRuleFileInvalid, ctx.ShortDCIDLen)
	}
	return &ctx, nil
}
