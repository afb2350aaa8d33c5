package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"activationdesk/internal/catalog"
	"activationdesk/internal/domain"
)

// FileName is the config file looked up in the workspace.
const FileName = "adesk.yml"

// Config models adesk.yml.
type Config struct {
	Board struct {
		Endpoint   string        `yaml:"endpoint" validate:"required,url"`
		APIVersion string        `yaml:"api_version" validate:"required"`
		BoardID    int64         `yaml:"board_id" validate:"required,gt=0"`
		PageSize   int           `yaml:"page_size" validate:"gte=1,lte=500"`
		PageDelay  time.Duration `yaml:"page_delay" validate:"gte=0"`
		Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
		Columns    Columns       `yaml:"columns"`
		Labels     struct {
			Available string `yaml:"available" validate:"required"`
			Target    string `yaml:"target" validate:"required"`
		} `yaml:"labels"`
	} `yaml:"board"`
	CRM struct {
		Endpoint string        `yaml:"endpoint" validate:"required,url"`
		Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
		NoteTag  string        `yaml:"note_tag"`
	} `yaml:"crm"`
	Assignees domain.AssignmentTable `yaml:"assignees"`
	Catalog   struct {
		Prefixes        []catalog.Rule `yaml:"prefixes" validate:"required,min=1"`
		Priorities      map[string]int `yaml:"priorities"`
		DefaultPriority int            `yaml:"default_priority"`
	} `yaml:"catalog"`
	Journal struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"journal"`
	Secrets Secrets `yaml:"secrets"`
}

// Columns are the board column ids the system reads and writes.
type Columns struct {
	Status  string `yaml:"status" validate:"required"`
	MacLink string `yaml:"mac_link" validate:"required"`
	WinLink string `yaml:"win_link" validate:"required"`
	Person  string `yaml:"person" validate:"required"`
}

// Secrets are overridden by the environment when set there.
type Secrets struct {
	BoardAPIKey string `yaml:"board_api_key"`
	CRMAPIKey   string `yaml:"crm_api_key"`
}

var validate = validator.New()

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := catalog.CheckOrder(c.Catalog.Prefixes); err != nil {
		return fmt.Errorf("config.catalog.prefixes: %w", err)
	}
	for name, p := range c.Catalog.Priorities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.catalog.priorities has empty product name")
		}
		if p < 0 {
			return fmt.Errorf("priority for %s must not be negative", name)
		}
	}
	for email, id := range c.Assignees {
		if email != strings.ToLower(strings.TrimSpace(email)) {
			return fmt.Errorf("assignee email %q must be lower-case without spaces", email)
		}
		if id <= 0 {
			return fmt.Errorf("assignee %s has invalid board user id %d", email, id)
		}
	}
	if c.Board.Labels.Available == c.Board.Labels.Target {
		return fmt.Errorf("config.board.labels.target must differ from the available label")
	}
	return nil
}

// RequireSecrets fails when either API key is missing.
func (c *Config) RequireSecrets() error {
	var missing []string
	if strings.TrimSpace(c.Secrets.BoardAPIKey) == "" {
		missing = append(missing, "board api key (ADESK_BOARD_API_KEY)")
	}
	if strings.TrimSpace(c.Secrets.CRMAPIKey) == "" {
		missing = append(missing, "crm api key (ADESK_CRM_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, " and "))
	}
	return nil
}

// ApplySecrets overrides file secrets with non-empty environment values.
func (c *Config) ApplySecrets(boardKey, crmKey string) {
	if v := cleanSecret(boardKey); v != "" {
		c.Secrets.BoardAPIKey = v
	}
	if v := cleanSecret(crmKey); v != "" {
		c.Secrets.CRMAPIKey = v
	}
	c.Secrets.BoardAPIKey = cleanSecret(c.Secrets.BoardAPIKey)
	c.Secrets.CRMAPIKey = cleanSecret(c.Secrets.CRMAPIKey)
}

// cleanSecret strips surrounding whitespace and quotes left by hand-edited files.
func cleanSecret(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"`)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the production defaults.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg := Default()
	// Tables named in the file replace the defaults instead of merging into them.
	if hasKey(&doc, "assignees") {
		cfg.Assignees = nil
	}
	if hasKey(&doc, "catalog", "priorities") {
		cfg.Catalog.Priorities = nil
	}
	if len(doc.Content) > 0 {
		if err := doc.Decode(cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// hasKey reports whether the document sets the mapping key at path.
func hasKey(doc *yaml.Node, path ...string) bool {
	n := doc
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return false
		}
		n = n.Content[0]
	}
	for _, key := range path {
		if n.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
			}
		}
		if next == nil {
			return false
		}
		n = next
	}
	return true
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Secrets.BoardAPIKey != "" {
		cp.Secrets.BoardAPIKey = "***"
	}
	if cp.Secrets.CRMAPIKey != "" {
		cp.Secrets.CRMAPIKey = "***"
	}
	return &cp
}

const defaultTemplate = `board:
  endpoint: https://api.monday.com/v2
  api_version: "2023-10"
  board_id: 1242580452
  page_size: 100
  page_delay: 200ms
  timeout: 20s
  columns:
    status: status
    mac_link: mac_dowload_link0
    win_link: win_download_link
    person: person
  labels:
    available: Not used
    target: Sent & put in B2B CRM

crm:
  endpoint: https://api.getbase.com
  timeout: 10s
  note_tag: LICENCE

assignees:
  asoni@dxo.com: 47981810
  nbeaumont@dxo.com: 41505346
  jcinquin@dxo.com: 45440204
  msato@dxo.com: 45440202
  sbakir@dxo.com: 45440162
  mplant@dxo.com: 45440206
  yshi@dxo.com: 45440205
  kdare@dxo.com: 68681569
  mandrianoelison@dxo.com: 69767169
  mfernandes@dxo.com: 70228860

catalog:
  # Match order matters: DFP before FP, DVP before VP.
  prefixes:
    - {prefix: DFP, base: FilmPack}
    - {prefix: DVP, base: ViewPoint}
    - {prefix: PR, base: PureRaw}
    - {prefix: PL, base: PhotoLab}
    - {prefix: NIK, base: Nik Collection}
    - {prefix: VP, base: ViewPoint}
    - {prefix: FP, base: FilmPack}
  priorities:
    PhotoLab: 1
    Nik: 2
    Nik Collection: 2
    PureRaw: 3
    FilmPack: 4
    ViewPoint: 5
  default_priority: 99

journal:
  enabled: true

secrets:
  board_api_key: ""
  crm_api_key: ""
`
