package fixtures

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Project}}</title></head>
<body>
<h1>{{.Project}}</h1>
<p>Namespace: {{.Namespace}}</p>
</body>
</html>
`))

// WriteStaticPage writes the default page served by the data service unless
// a file already exists at path.
func WriteStaticPage(path, project, namespace string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	var b strings.Builder
	if err := indexTemplate.Execute(&b, map[string]string{"Project": project, "Namespace": namespace}); err != nil {
		return false, fmt.Errorf("failed to render static page: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create static directory: %w", err)
	}
	//nolint:gosec // Served publicly by the data service
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return false, fmt.Errorf("failed to write static page: %w", err)
	}
	return true, nil
}
