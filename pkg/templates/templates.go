package templates

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Template names
const (
	ConfigFile     = "foliodeploy-config"
	SystemdService = "systemd-service"
)

//go:embed defaults/*.template
var defaults embed.FS

// TemplateData holds variables for template rendering.
type TemplateData map[string]string

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "foliodeploy", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Templates are loaded in the following order:
// 1. ./templates/<name>.template
// 2. ./config/templates/<name>.template
// 3. /etc/foliodeploy/templates/<name>.template
// 4. the built-in default
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template %s missing: %w", name, err)
	}
	return string(content), nil
}

// Render renders a template with the given data.
// Uses {{PLACEHOLDER}} syntax for variable substitution. A placeholder
// left without a value is an error, so a half rendered file is never
// written.
//
// Example:
//
//	data := TemplateData{
//	    "USER":  "folio",
//	    "GROUP": "folio",
//	}
//	rendered, err := Render(SystemdService, data)
func Render(templateName string, data TemplateData) (string, error) {
	tmplContent, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	rendered := tmplContent
	for key, value := range data {
		placeholder := fmt.Sprintf("{{%s}}", key)
		rendered = strings.ReplaceAll(rendered, placeholder, value)
	}

	if missing := placeholders(rendered); len(missing) > 0 {
		return "", fmt.Errorf("template %s: no value for %s", templateName, strings.Join(missing, ", "))
	}
	return rendered, nil
}

// placeholders returns the distinct {{NAME}} markers left in s, sorted.
func placeholders(s string) []string {
	seen := make(map[string]bool)
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			break
		}
		seen[s[start+2:start+end]] = true
		s = s[start+end+2:]
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenderConfig renders a starter configuration file.
func RenderConfig(appID, appSlug, privateKeyPath, publicURL, stateSecret, dataDir, logDir string) (string, error) {
	return Render(ConfigFile, TemplateData{
		"APP_ID":           appID,
		"APP_SLUG":         appSlug,
		"PRIVATE_KEY_PATH": privateKeyPath,
		"PUBLIC_URL":       strings.TrimSuffix(publicURL, "/"),
		"STATE_SECRET":     stateSecret,
		"DATA_DIR":         dataDir,
		"LOG_DIR":          logDir,
	})
}

// RenderSystemdService renders the systemd service template.
func RenderSystemdService(user, group, workingDir, binary, configFile, dataDir, logDir string) (string, error) {
	return Render(SystemdService, TemplateData{
		"USER":        user,
		"GROUP":       group,
		"WORKING_DIR": workingDir,
		"BINARY":      binary,
		"CONFIG_FILE": configFile,
		"DATA_DIR":    dataDir,
		"LOG_DIR":     logDir,
	})
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		ConfigFile,
		SystemdService,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		ConfigFile:     true,
		SystemdService: true,
	}
	return validNames[name]
}
