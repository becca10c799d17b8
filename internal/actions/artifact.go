package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/biomapper/biomapper/internal/pipeline"
	"github.com/biomapper/biomapper/pkg/schema"
)

// ObjectStore uploads artifacts. Satisfied by *objectstore.Store.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
}

// ArtifactActions returns the descriptors of the artifact actions.
func ArtifactActions(deps Deps) []Descriptor {
	return []Descriptor{
		{
			Type:        "artifact.upload",
			Description: "Upload local output artifacts to the object store",
			ParamSchema: json.RawMessage(uploadSchema),
			Factory:     func() Action { return &uploadAction{store: deps.Objects, bucket: deps.Bucket} },
		},
	}
}

const uploadSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "bucket": {"type": "string"},
    "prefix": {"type": "string"},
    "content_type": {"type": "string"}
  }
}`

type uploadAction struct {
	store  ObjectStore
	bucket string
}

func (a *uploadAction) Validate(params map[string]any) error {
	if a.store == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "artifact.upload: no object store configured")
	}
	if stringParam(params, "bucket", a.bucket) == "" {
		return schema.NewError(schema.ErrCodeValidation, "artifact.upload: no bucket given and no default configured")
	}
	return nil
}

// Execute uploads path, or every local artifact of the run when path is
// empty. Each uploaded object is recorded as an s3:// artifact.
func (a *uploadAction) Execute(ctx context.Context, params map[string]any, ec *pipeline.ExecutionContext) (*Result, error) {
	bucket := stringParam(params, "bucket", a.bucket)
	prefix := strings.Trim(stringParam(params, "prefix", ""), "/")

	var files []string
	if p := stringParam(params, "path", ""); p != "" {
		files = []string{p}
	} else {
		for _, art := range ec.Artifacts() {
			if !strings.Contains(art, "://") {
				files = append(files, art)
			}
		}
	}
	if len(files) == 0 {
		return Succeeded("no artifacts to upload", map[string]any{"uploaded": []string{}}), nil
	}

	uploaded := make([]string, 0, len(files))
	for _, f := range files {
		key := path.Join(prefix, filepath.Base(f))
		contentType := stringParam(params, "content_type", "")
		if contentType == "" {
			contentType = contentTypeFor(f)
		}
		if err := a.put(ctx, bucket, key, f, contentType); err != nil {
			return nil, err
		}
		uploaded = append(uploaded, "s3://"+bucket+"/"+key)
	}
	for _, u := range uploaded {
		ec.AddArtifact(u)
	}

	return Succeeded(fmt.Sprintf("uploaded %d artifacts to %s", len(uploaded), bucket), map[string]any{
		"uploaded": uploaded,
	}), nil
}

func (a *uploadAction) put(ctx context.Context, bucket, key, file, contentType string) error {
	f, err := os.Open(file)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeActionExecution, "artifact.upload: %v", err).WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeActionExecution, "artifact.upload: %v", err).WithCause(err)
	}
	if err := a.store.Put(ctx, bucket, key, f, info.Size(), contentType); err != nil {
		return schema.NewErrorf(schema.ErrCodeActionExecution, "artifact.upload: %v", err).WithCause(err)
	}
	return nil
}

func contentTypeFor(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	}
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "application/octet-stream"
}
