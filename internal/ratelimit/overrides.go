package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/fileguard/internal/xerrors"
)

// Overrides is the YAML document accepted by LoadFile and SSMSource:
//
//	policies:
//	  auth:
//	    window: 10m
//	    max: 3
//	  files:
//	    message: "Slow down."
type Overrides struct {
	Policies map[string]PolicyOverride `yaml:"policies" validate:"dive,keys,rl_category,endkeys"`
}

// PolicyOverride holds the fields to replace; zero fields are left alone.
// A window below one second is rejected since Retry-After has whole seconds.
type PolicyOverride struct {
	Window  time.Duration `yaml:"window" validate:"omitempty,gte=1s,lte=24h"`
	Max     int           `yaml:"max" validate:"gte=0,lte=1000000"`
	Message string        `yaml:"message" validate:"max=512"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("rl_category", func(fl validator.FieldLevel) bool {
		return Category(fl.Field().String()).valid()
	}); err != nil {
		panic(fmt.Sprintf("failed to register rl_category validator: %v", err))
	}
	return v
}

// ParseOverrides decodes and validates an overrides document. Unknown keys are
// rejected so a typo cannot silently fall back to a default.
func ParseOverrides(r io.Reader) (Overrides, error) {
	var o Overrides
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		if errors.Is(err, io.EOF) {
			return Overrides{}, nil
		}
		return Overrides{}, xerrors.Wrap(err, "decode rate limit overrides")
	}
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return Overrides{}, xerrors.Newf("invalid rate limit overrides: %s", strings.Join(msgs, "; "))
		}
		return Overrides{}, xerrors.Wrap(err, "validate rate limit overrides")
	}
	return o, nil
}

// LoadFile reads overrides from a YAML file on disk.
func LoadFile(path string) (Overrides, error) {
	f, err := os.Open(path)
	if err != nil {
		return Overrides{}, xerrors.Wrapf(err, "open rate limit overrides %s", path)
	}
	defer f.Close()
	return ParseOverrides(f)
}

// SSMAPI is the part of the SSM client SSMSource uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource loads overrides from an SSM parameter holding the YAML document.
type SSMSource struct {
	Client SSMAPI
	Param  string
}

func (s SSMSource) Load(ctx context.Context) (Overrides, error) {
	if s.Client == nil || s.Param == "" {
		return Overrides{}, xerrors.New("ssm source requires a client and a parameter name")
	}
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Overrides{}, xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return Overrides{}, xerrors.Newf("SSM parameter %s has no value", s.Param)
	}
	return ParseOverrides(strings.NewReader(*out.Parameter.Value))
}
