// Package fingerprint digests the packable content of a host directory.
//
// The digest covers the image geometry and, for every entry the walker
// reports in order, its kind, relative path, size and content hash. It does
// not look at modification times, so touching a file without changing it
// keeps the fingerprint stable.
package fingerprint

import (
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/lfs"
	"github.com/fly-io/littlefs-tool/pkg/walk"
)

const version = "littlefs-tool/fingerprint/v1"

// Compute walks w and returns the sha256 fingerprint of the tree as it
// would be packed with cfg. Entries the packer skips are left out.
func Compute(w *walk.Walker, cfg lfs.ImageConfig) (digest.Digest, error) {
	d := digest.SHA256.Digester()
	h := d.Hash()

	fmt.Fprintf(h, "%s\nblock_size=%d block_count=%d read_size=%d write_size=%d name_max=%d\n",
		version, cfg.BlockSize, cfg.BlockCount, cfg.ReadSize, cfg.WriteSize, cfg.NameMax)

	for e, err := range w.Entries() {
		if err != nil {
			return "", errors.Wrap(err, "fingerprint walk")
		}
		switch e.Kind {
		case walk.Dir:
			fmt.Fprintf(h, "dir %q\n", e.Path)
		case walk.File:
			sum, n, err := fileDigest(e.HostPath)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "file %q %d %s\n", e.Path, n, sum.Encoded())
		}
	}
	return d.Digest(), nil
}

func fileDigest(p string) (digest.Digest, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, errors.Wrap(err, "fingerprint open")
	}
	defer f.Close()

	d := digest.SHA256.Digester()
	n, err := io.Copy(d.Hash(), f)
	if err != nil {
		return "", 0, errors.Wrapf(err, "fingerprint read %s", p)
	}
	return d.Digest(), n, nil
}

// Image is the sha256 digest of a built image buffer.
func Image(data []byte) digest.Digest {
	return digest.SHA256.FromBytes(data)
}
