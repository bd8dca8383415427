package relay

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DomainDefinitions models the structure of configs/domains.yaml.
type DomainDefinitions struct {
	Domains map[string]DomainDefinition `yaml:"domains"`
}

// DomainDefinition describes a single destination domain endpoint.
type DomainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	WSURL          string `yaml:"ws_url"`
	BridgeContract string `yaml:"bridge_contract"`
	Description    string `yaml:"description"`
}

// LoadDomainDefinitions parses the YAML file containing domain metadata.
func LoadDomainDefinitions(path string) (DomainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DomainDefinitions{Domains: map[string]DomainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return DomainDefinitions{}, fmt.Errorf("读取执行域配置失败: %w", err)
	}

	var defs DomainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return DomainDefinitions{}, fmt.Errorf("解析执行域配置失败: %w", err)
	}
	if defs.Domains == nil {
		defs.Domains = map[string]DomainDefinition{}
	}
	return defs, nil
}
