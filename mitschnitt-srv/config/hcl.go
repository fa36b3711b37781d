package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// hclConfig is the HCL decode target. Attributes use the same hyphenated
// names as the JSON format; nested sections are HCL blocks.
type hclConfig struct {
	ListenAddress    *string `hcl:"listen-address,optional"`
	DirectTLSAddress *string `hcl:"direct-tls-address,optional"`
	TimeoutSeconds   *int    `hcl:"timeout-seconds,optional"`
	LogLevel         *string `hcl:"log-level,optional"`

	Interception *hclInterception `hcl:"interception,block"`
	Recording    *hclRecording    `hcl:"recording,block"`
	Portal       *hclPortal       `hcl:"portal,block"`
	Forward      *hclForward      `hcl:"forward,block"`
}

type hclInterception struct {
	CAFile    *string `hcl:"ca-file,optional"`
	CAKeyFile *string `hcl:"ca-key-file,optional"`
	CACertPEM *string `hcl:"ca-cert-pem,optional"`
	CAKeyPEM  *string `hcl:"ca-key-pem,optional"`
}

type hclRecording struct {
	Backend     *string `hcl:"backend,optional"`
	SQLitePath  *string `hcl:"sqlite-path,optional"`
	PostgresDSN *string `hcl:"postgres-dsn,optional"`
}

type hclPortal struct {
	Host   *string `hcl:"host,optional"`
	Secret *string `hcl:"secret,optional"`
}

type hclForward struct {
	Type     *string `hcl:"type,optional"`
	Address  *string `hcl:"address,optional"`
	Username *string `hcl:"username,optional"`
	Password *string `hcl:"password,optional"`
}

func loadHCLConfig(configPath string, cfg *Config) error {
	var data hclConfig
	if err := hclsimple.DecodeFile(configPath, hclEvalContext(), &data); err != nil {
		return fmt.Errorf("failed to decode HCL config: %w", err)
	}

	// Reuse the JSON merge path; the decode structs are shape-compatible.
	mirror := &jsonConfig{
		ListenAddress:    data.ListenAddress,
		DirectTLSAddress: data.DirectTLSAddress,
		TimeoutSeconds:   data.TimeoutSeconds,
		LogLevel:         data.LogLevel,
	}
	if data.Interception != nil {
		mirror.Interception = &struct {
			CAFile    *string `json:"ca-file"`
			CAKeyFile *string `json:"ca-key-file"`
			CACertPEM *string `json:"ca-cert-pem"`
			CAKeyPEM  *string `json:"ca-key-pem"`
		}{data.Interception.CAFile, data.Interception.CAKeyFile, data.Interception.CACertPEM, data.Interception.CAKeyPEM}
	}
	if data.Recording != nil {
		mirror.Recording = &struct {
			Backend     *string `json:"backend"`
			SQLitePath  *string `json:"sqlite-path"`
			PostgresDSN *string `json:"postgres-dsn"`
		}{data.Recording.Backend, data.Recording.SQLitePath, data.Recording.PostgresDSN}
	}
	if data.Portal != nil {
		mirror.Portal = &struct {
			Host   *string `json:"host"`
			Secret *string `json:"secret"`
		}{data.Portal.Host, data.Portal.Secret}
	}
	if data.Forward != nil {
		mirror.Forward = &struct {
			Type     *string `json:"type"`
			Address  *string `json:"address"`
			Username *string `json:"username"`
			Password *string `json:"password"`
		}{data.Forward.Type, data.Forward.Address, data.Forward.Username, data.Forward.Password}
	}

	applyFileConfig(cfg, mirror)
	return nil
}

// hclEvalContext exposes the process environment as an `env` object so that
// config files can reference secrets without embedding them, e.g.
// `secret = env.MITSCHNITT_PORTAL_SECRET`.
func hclEvalContext() *hcl.EvalContext {
	envVars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		envVars[parts[0]] = cty.StringVal(parts[1])
	}

	vars := map[string]cty.Value{}
	if len(envVars) > 0 {
		vars["env"] = cty.ObjectVal(envVars)
	}

	return &hcl.EvalContext{Variables: vars}
}
