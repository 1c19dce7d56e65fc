package annotation

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// DefaultLabelConfig is the labeling interface used when the project is
// created by the receiver.
const DefaultLabelConfig = `<View>
  <Header value="PCB Defect Classification"/>
  <Image name="image" value="$image" zoom="true" zoomControl="true"/>
  <BrushLabels name="defects" toName="image">
    <Label value="Solder Bridge" background="#FF0000"/>
    <Label value="Insufficient Solder" background="#FFA500"/>
    <Label value="Cold Joint" background="#FFFF00"/>
    <Label value="Component Damage" background="#00FF00"/>
    <Label value="Missing Component" background="#0000FF"/>
    <Label value="Wrong Component" background="#FF00FF"/>
    <Label value="Misalignment" background="#00FFFF"/>
    <Label value="Contamination" background="#808080"/>
    <Label value="Other Defect" background="#000000"/>
    <Label value="Good" background="#90EE90"/>
  </BrushLabels>
  <Choices name="overall_quality" toName="image" choice="single">
    <Choice value="Pass"/>
    <Choice value="Fail"/>
    <Choice value="Needs Review"/>
  </Choices>
  <TextArea name="notes" toName="image" placeholder="Additional notes..." rows="3"/>
</View>`

// Config holds annotation service connection parameters.
type Config struct {
	URL            string `toml:"url"`
	APIKey         string `toml:"api_key"`
	ProjectID      int    `toml:"project_id"`
	ProjectTitle   string `toml:"project_title"`
	LabelConfig    string `toml:"label_config"`
	DocumentPrefix string `toml:"document_prefix"`
	PageSize       int    `toml:"page_size"`
	TaskTimeout    string `toml:"task_timeout"`
	ExportTimeout  string `toml:"export_timeout"`
}

// Env maps config fields to environment variable names for override injection.
type Env struct {
	URL            string
	APIKey         string
	ProjectID      string
	ProjectTitle   string
	DocumentPrefix string
	PageSize       string
	TaskTimeout    string
	ExportTimeout  string
}

// TaskTimeoutDuration bounds a single task creation call.
func (c *Config) TaskTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.TaskTimeout)
	return d
}

// ExportTimeoutDuration bounds listing and export calls.
func (c *Config) ExportTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ExportTimeout)
	return d
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize(env *Env) error {
	c.loadDefaults()
	if env != nil {
		if err := c.loadEnv(env); err != nil {
			return err
		}
	}
	return c.validate()
}

// Merge overwrites non-zero fields from overlay.
func (c *Config) Merge(overlay *Config) {
	if overlay.URL != "" {
		c.URL = overlay.URL
	}
	if overlay.APIKey != "" {
		c.APIKey = overlay.APIKey
	}
	if overlay.ProjectID != 0 {
		c.ProjectID = overlay.ProjectID
	}
	if overlay.ProjectTitle != "" {
		c.ProjectTitle = overlay.ProjectTitle
	}
	if overlay.LabelConfig != "" {
		c.LabelConfig = overlay.LabelConfig
	}
	if overlay.DocumentPrefix != "" {
		c.DocumentPrefix = overlay.DocumentPrefix
	}
	if overlay.PageSize != 0 {
		c.PageSize = overlay.PageSize
	}
	if overlay.TaskTimeout != "" {
		c.TaskTimeout = overlay.TaskTimeout
	}
	if overlay.ExportTimeout != "" {
		c.ExportTimeout = overlay.ExportTimeout
	}
}

func (c *Config) loadDefaults() {
	if c.URL == "" {
		c.URL = "http://localhost:8080"
	}
	if c.ProjectTitle == "" {
		c.ProjectTitle = "PCB Defect Classification"
	}
	if c.LabelConfig == "" {
		c.LabelConfig = DefaultLabelConfig
	}
	if c.DocumentPrefix == "" {
		c.DocumentPrefix = "images"
	}
	if c.PageSize == 0 {
		c.PageSize = 100
	}
	if c.TaskTimeout == "" {
		c.TaskTimeout = "10s"
	}
	if c.ExportTimeout == "" {
		c.ExportTimeout = "30s"
	}
}

func (c *Config) loadEnv(env *Env) error {
	if env.URL != "" {
		if v := os.Getenv(env.URL); v != "" {
			c.URL = v
		}
	}
	if env.APIKey != "" {
		if v := os.Getenv(env.APIKey); v != "" {
			c.APIKey = v
		}
	}
	if env.ProjectID != "" {
		if v := os.Getenv(env.ProjectID); v != "" {
			id, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.ProjectID, err)
			}
			c.ProjectID = id
		}
	}
	if env.ProjectTitle != "" {
		if v := os.Getenv(env.ProjectTitle); v != "" {
			c.ProjectTitle = v
		}
	}
	if env.DocumentPrefix != "" {
		if v := os.Getenv(env.DocumentPrefix); v != "" {
			c.DocumentPrefix = v
		}
	}
	if env.PageSize != "" {
		if v := os.Getenv(env.PageSize); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", env.PageSize, err)
			}
			c.PageSize = n
		}
	}
	if env.TaskTimeout != "" {
		if v := os.Getenv(env.TaskTimeout); v != "" {
			c.TaskTimeout = v
		}
	}
	if env.ExportTimeout != "" {
		if v := os.Getenv(env.ExportTimeout); v != "" {
			c.ExportTimeout = v
		}
	}
	return nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url %q", c.URL)
	}
	if c.ProjectID < 0 {
		return fmt.Errorf("project_id must not be negative")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be positive")
	}
	for name, v := range map[string]string{
		"task_timeout":   c.TaskTimeout,
		"export_timeout": c.ExportTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
