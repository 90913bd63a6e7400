package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// uploadURLTTL is how long a minted bundle upload URL stays valid.
const uploadURLTTL = 15 * time.Minute

// bundleTarball is where the upload command stages the archive.
const bundleTarball = "/tmp/voiceci-bundle.tar.gz"

// Presigner mints time-limited PUT URLs for agent bundles.
type Presigner interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// S3Presigner is the production [Presigner] over an S3-compatible bucket.
type S3Presigner struct {
	client *s3.PresignClient
	bucket string
}

// NewS3Presigner wraps an S3 client for the given bucket.
func NewS3Presigner(client *s3.Client, bucket string) *S3Presigner {
	return &S3Presigner{client: s3.NewPresignClient(client), bucket: bucket}
}

// PresignPut implements Presigner.
func (p *S3Presigner) PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/gzip"),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("rpc: presign bundle upload: %w", err)
	}
	return req.URL, nil
}

// PresignGet mints a time-limited download URL for a stored bundle, so runner
// and builder machines fetch it without bucket credentials.
func (p *S3Presigner) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("rpc: presign bundle download: %w", err)
	}
	return req.URL, nil
}

// bundleExcludes is the fixed exclude list applied when taring a project.
// Dependency and build trees are rebuilt on the machine from the lockfile.
var bundleExcludes = []string{
	".git",
	"node_modules",
	".venv",
	"venv",
	"__pycache__",
	".mypy_cache",
	".pytest_cache",
	".next",
	"dist",
	"build",
	".DS_Store",
}

// lockfileCandidates are probed in order; the first present file is hashed
// as the project's lockfile. The hash keys the dependency-image cache.
var lockfileCandidates = []string{
	"package-lock.json",
	"pnpm-lock.yaml",
	"yarn.lock",
	"bun.lockb",
	"uv.lock",
	"poetry.lock",
	"requirements.txt",
	"go.sum",
	"Cargo.lock",
}

// buildUploadCommand assembles the one-liner prepare_upload hands back: tar
// the project, hash the tarball and the lockfile, PUT the archive to the
// presigned URL, and print the two hashes for the client to feed run_suite.
func buildUploadCommand(projectRoot, uploadURL string) string {
	if projectRoot == "" {
		projectRoot = "."
	}

	var b strings.Builder
	b.WriteString("cd " + shellQuote(projectRoot) + " && tar")
	for _, pattern := range bundleExcludes {
		b.WriteString(" --exclude=" + shellQuote(pattern))
	}
	b.WriteString(" -czf " + bundleTarball + " . && ")
	b.WriteString(`BUNDLE_HASH=$(shasum -a 256 ` + bundleTarball + ` | cut -d' ' -f1) && `)
	b.WriteString("LOCKFILE=$(ls " + strings.Join(lockfileCandidates, " ") + " 2>/dev/null | head -n 1 || true) && ")
	b.WriteString(`LOCKFILE_HASH=$([ -n "$LOCKFILE" ] && shasum -a 256 "$LOCKFILE" | cut -d' ' -f1 || echo none) && `)
	b.WriteString("curl -fsS -X PUT -H 'Content-Type: application/gzip' --upload-file " + bundleTarball + " " + shellQuote(uploadURL) + " && ")
	b.WriteString(`echo "bundle_hash=$BUNDLE_HASH lockfile_hash=$LOCKFILE_HASH"`)
	return b.String()
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
