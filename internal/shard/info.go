package shard

import (
	"bytes"
	"fmt"
	"text/template"
)

const InfoFilename = "SHARDING_INFO.md"

var infoTemplate = template.Must(template.New("info").Funcs(template.FuncMap{
	"span": func(r *[2]int) string { return fmt.Sprintf("%d-%d", r[0], r[1]) },
}).Parse(`# Sharded model: {{.ModelName}}

**Created**: {{.ShardingDate}}
**Run**: {{.RunID}}

## Summary

- **Shards**: {{.TotalShards}}
- **Total size**: {{printf "%.1f" .TotalSizeMB}} MB
- **On disk**: {{.TotalSizeBytes}} bytes
- **Format**: {{.Format}}
- **Mode**: {{.Mode}}{{if .Degraded}} (no layer structure detected){{end}}
- **Layers**: {{.NumLayers}}

## Shards
{{range .Shards}}
### {{.Filename}}
- Tensors: {{.TensorCount}}
- Size: {{.SizeMB}} MB
{{- with .LayerRange}}
- Layers: {{span .}}{{end}}
{{- with .ParamRange}}
- Params: {{span .}}{{end}}
- Checksum: {{.Checksum}}
{{end}}
## Loading

- Sequential: {{.Usage.Sequential}}
- Progressive: {{.Usage.Progressive}}
- Web: {{.Usage.Web}}

Check the shards against the manifest with:

` + "```" + `
sharder verify <dir>
` + "```" + `
`))

// RenderInfo renders the human-readable companion of a manifest.
func RenderInfo(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := infoTemplate.Execute(&buf, m); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", InfoFilename, err)
	}
	return buf.Bytes(), nil
}

// WriteInfo writes SHARDING_INFO.md next to the manifest.
func WriteInfo(dir string, m *Manifest) (string, error) {
	data, err := RenderInfo(m)
	if err != nil {
		return "", err
	}
	return writeFileAtomic(dir, InfoFilename, data)
}
