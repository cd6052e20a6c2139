package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JuanCS-Dev/vertice-code-sub009/pkg/protocol"
)

// readFileArgs documents the read_file parameter schema.
type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path to read,required"`
}

// writeFileArgs documents the write_file parameter schema.
type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=File path to write,required"`
	Content string `json:"content" jsonschema:"description=Content to write,required"`
}

// listFilesArgs documents the list_files parameter schema.
type listFilesArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the working directory"`
}

// httpGetArgs documents the http_get parameter schema.
type httpGetArgs struct {
	URL string `json:"url" jsonschema:"description=URL to fetch,required"`
}

// maxReadBytes bounds how much file or response content a tool returns
// into the conversation.
const maxReadBytes = 64 * 1024

// RegisterBuiltins installs the core tool set: file reads and writes,
// directory listing, and HTTP fetch through the shared client. root
// confines file tools; an empty root means the current directory.
func RegisterBuiltins(r *LocalRegistry, root string, httpClient *http.Client) {
	if root == "" {
		root = "."
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	r.Register(&Func{
		ToolSpec: Spec{
			Name:        "read_file",
			Description: "Read a file's content.",
			Capability:  CapabilityFSRead,
			Schema:      ReflectSchema(&readFileArgs{}),
		},
		Fn: func(ctx context.Context, args map[string]string) (string, error) {
			path, err := confine(root, args["path"])
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return "", protocol.NewError(protocol.KindNotFound, "file %s not found", args["path"])
				}
				return "", err
			}
			if len(data) > maxReadBytes {
				data = data[:maxReadBytes]
			}
			return string(data), nil
		},
	})

	r.Register(&Func{
		ToolSpec: Spec{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories.",
			Capability:  CapabilityFSWrite,
			Schema:      ReflectSchema(&writeFileArgs{}),
		},
		Fn: func(ctx context.Context, args map[string]string) (string, error) {
			path, err := confine(root, args["path"])
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args["content"]), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args["content"]), args["path"]), nil
		},
	})

	r.Register(&Func{
		ToolSpec: Spec{
			Name:        "list_files",
			Description: "List the entries of a directory.",
			Capability:  CapabilityFSRead,
			Schema:      ReflectSchema(&listFilesArgs{}),
		},
		Fn: func(ctx context.Context, args map[string]string) (string, error) {
			dir := args["path"]
			if dir == "" {
				dir = "."
			}
			path, err := confine(root, dir)
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				if os.IsNotExist(err) {
					return "", protocol.NewError(protocol.KindNotFound, "directory %s not found", dir)
				}
				return "", err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)
			return strings.Join(names, "\n"), nil
		},
	})

	r.Register(&Func{
		ToolSpec: Spec{
			Name:        "http_get",
			Description: "Fetch a URL over HTTP GET.",
			Capability:  CapabilityNetHTTP,
			Schema:      ReflectSchema(&httpGetArgs{}),
		},
		Fn: func(ctx context.Context, args map[string]string) (string, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, args["url"], nil)
			if err != nil {
				return "", protocol.NewError(protocol.KindBadRequest, "invalid url %q", args["url"])
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return "", protocol.WrapError(protocol.KindTransientNetwork, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return "", protocol.NewError(protocol.KindServerError, "GET %s: status %d", args["url"], resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return "", protocol.NewError(protocol.KindBadRequest, "GET %s: status %d", args["url"], resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
			if err != nil {
				return "", protocol.WrapError(protocol.KindTransientNetwork, err)
			}
			return string(body), nil
		},
	})
}

// confine resolves a path under root, rejecting escapes.
func confine(root, path string) (string, error) {
	if path == "" {
		return "", protocol.NewError(protocol.KindBadRequest, "path is required")
	}
	joined := filepath.Join(root, path)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", protocol.NewError(protocol.KindBadRequest, "path %q escapes the working root", path)
	}
	return abs, nil
}
