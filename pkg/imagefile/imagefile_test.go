package imagefile

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fly-io/littlefs-tool/pkg/errors"
	"github.com/fly-io/littlefs-tool/pkg/security"
	"github.com/fly-io/littlefs-tool/pkg/storage"
)

func erased(n int) []byte {
	return bytes.Repeat([]byte{0xFF}, n)
}

func TestWriteRead_Plain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fs.bin")
	data := erased(8192)
	data[100] = 0x42

	if err := Write(ctx, path, data, Options{}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Error("plain image should be written verbatim")
	}

	got, err := Read(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestWriteRead_Compressed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fs.bin.zst")
	data := erased(64 * 1024)

	if err := Write(ctx, path, data, Options{}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= int64(len(data)) {
		t.Errorf("compressed size %d, want less than %d", info.Size(), len(data))
	}

	got, err := Read(ctx, path, Options{})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("decompressed image differs")
	}
}

func TestRead_Limits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := erased(64 * 1024)

	plain := filepath.Join(dir, "fs.bin")
	packed := filepath.Join(dir, "fs.bin.zst")
	for _, p := range []string{plain, packed} {
		if err := Write(ctx, p, data, Options{}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		src  string
		opts Options
	}{
		{"plain over max size", plain, Options{MaxSize: 4096}},
		{"decoded over max size", packed, Options{MaxSize: 4096}},
		{"guard file size", plain, Options{Guard: security.NewValidator(1024, 0, 0)}},
		{"compression ratio", packed, Options{Guard: security.NewValidator(0, 0, 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(ctx, tt.src, tt.opts); !errors.Is(err, security.ErrLimitExceeded) {
				t.Errorf("Read() = %v, want ErrLimitExceeded", err)
			}
		})
	}
}

func TestRead_Missing(t *testing.T) {
	if _, err := Read(context.Background(), filepath.Join(t.TempDir(), "none.bin"), Options{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Read() = %v, want ErrNotExist", err)
	}
}

func TestDecompress_Garbage(t *testing.T) {
	if _, err := Decompress([]byte("not zstd at all"), 0); err == nil {
		t.Error("Decompress() should reject garbage")
	}
}

type memS3 struct {
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	m.meta[*in.Key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), Metadata: m.meta[*in.Key]}, nil
}

func (m *memS3) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{}, nil
}

func TestWriteRead_S3(t *testing.T) {
	ctx := context.Background()
	api := &memS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	var buckets []string
	opts := Options{S3: func(_ context.Context, bucket string) (*storage.Client, error) {
		buckets = append(buckets, bucket)
		return storage.NewWithAPI(api, bucket), nil
	}}
	data := erased(4096)

	if err := Write(ctx, "s3://firmware/boards/fs.bin.zst", data, opts); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if stored := api.objects["boards/fs.bin.zst"]; len(stored) == 0 || len(stored) >= len(data) {
		t.Errorf("stored object is %d bytes, want compressed", len(stored))
	}

	got, err := Read(ctx, "s3://firmware/boards/fs.bin.zst", opts)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("s3 round trip differs")
	}
	if len(buckets) != 2 || buckets[0] != "firmware" {
		t.Errorf("factory calls = %v", buckets)
	}

	if _, err := Read(ctx, "s3://firmware", opts); err == nil {
		t.Error("Read() should reject an s3 uri without a key")
	}
}
