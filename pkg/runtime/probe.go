package runtime

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/archive/compression"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/platforms"
)

// imagePaths enumerates every file path present in the image's layers.
// Whiteouts are ignored: a path deleted in a later layer still counts as
// present for the invariant check, which errs on the side of refusal.
func (r *ContainerdRuntime) imagePaths(ctx context.Context, image containerd.Image) (map[string]struct{}, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	cs := r.client.ContentStore()

	manifest, err := images.Manifest(ctx, cs, image.Target(), platforms.Default())
	if err != nil {
		return nil, err
	}

	paths := make(map[string]struct{})
	for _, layer := range manifest.Layers {
		ra, err := cs.ReaderAt(ctx, layer)
		if err != nil {
			return nil, err
		}
		if err := collectLayerPaths(content.NewReader(ra), paths); err != nil {
			ra.Close()
			return nil, err
		}
		ra.Close()
	}
	return paths, nil
}

func collectLayerPaths(r io.Reader, paths map[string]struct{}) error {
	dr, err := compression.DecompressStream(r)
	if err != nil {
		return err
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		paths[name] = struct{}{}
	}
}
