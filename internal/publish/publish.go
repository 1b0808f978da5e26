// Package publish uploads a build output tree to an S3 bucket.
package publish

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
)

// DefaultConcurrency is the number of uploads in flight.
const DefaultConcurrency = 8

// noCache is sent for files whose name does not change between builds.
const noCache = "no-cache"

// hashedName matches names carrying a content hash, e.g. index.3F2AC9D1.js.
var hashedName = regexp.MustCompile(`\.[A-Za-z0-9]{8,}\.[A-Za-z0-9]+(\.gz|\.br)?$`)

var contentTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json",
	".map":   "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
	".txt":   "text/plain; charset=utf-8",
	".xml":   "application/xml",
	".gz":    "application/gzip",
	".br":    "application/x-brotli",
}

// ContentType returns the Content-Type stored for name.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// PutObjectAPI is the part of the S3 client the publisher uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures a Publisher.
type Options struct {
	// Client replaces the S3 client built from the default AWS
	// credential chain.
	Client PutObjectAPI

	// Concurrency bounds parallel uploads (default DefaultConcurrency).
	Concurrency int

	Logger *slog.Logger
}

// Report summarizes an upload.
type Report struct {
	Bucket string
	Prefix string
	Files  int
	Bytes  int64
}

// Publisher uploads files to s3://Bucket/Prefix.
type Publisher struct {
	client       PutObjectAPI
	bucket       string
	prefix       string
	cacheControl string
	concurrency  int
	logger       *slog.Logger
}

// New creates a publisher for cfg.Publish. Without opts.Client the AWS
// default configuration is loaded, honoring cfg.Publish.Region.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Publisher, error) {
	pc := cfg.Publish
	if pc.Bucket == "" {
		return nil, errors.New("E181")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	client := opts.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if pc.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(pc.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, errors.New("E180").WithDetail("Loading AWS configuration").Wrap(err)
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &Publisher{
		client:       client,
		bucket:       pc.Bucket,
		prefix:       strings.Trim(pc.Prefix, "/"),
		cacheControl: pc.CacheControl,
		concurrency:  opts.Concurrency,
		logger:       opts.Logger,
	}, nil
}

// Key returns the object key for the output file name.
func (p *Publisher) Key(name string) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

// CacheControl returns the Cache-Control header stored for name: the
// configured long-lived policy for hashed files, no-cache otherwise.
func (p *Publisher) CacheControl(name string) string {
	if p.cacheControl != "" && hashedName.MatchString(path.Base(name)) {
		return p.cacheControl
	}
	return noCache
}

// Publish uploads every file in fs. Compressed siblings are uploaded as
// they are, without a Content-Encoding.
func (p *Publisher) Publish(ctx context.Context, fs afero.Fs) (*Report, error) {
	var names []string
	err := afero.Walk(fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			names = append(names, filepath.ToSlash(name))
		}
		return nil
	})
	if err != nil {
		return nil, errors.New("E180").WithDetail("Reading build output").Wrap(err)
	}
	sort.Strings(names)

	report := &Report{Bucket: p.bucket, Prefix: p.prefix}
	var files, size atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, name := range names {
		g.Go(func() error {
			data, err := afero.ReadFile(fs, name)
			if err != nil {
				return errors.New("E180").WithDetail("Reading " + name).Wrap(err)
			}
			key := p.Key(name)
			_, err = p.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:        aws.String(p.bucket),
				Key:           aws.String(key),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
				ContentType:   aws.String(ContentType(name)),
				CacheControl:  aws.String(p.CacheControl(name)),
			})
			if err != nil {
				return errors.New("E180").WithDetail("s3://" + p.bucket + "/" + key).Wrap(err)
			}
			files.Add(1)
			size.Add(int64(len(data)))
			p.logger.Debug("uploaded", "key", key, "size", len(data))
			return nil
		})
	}
	err = g.Wait()

	report.Files = int(files.Load())
	report.Bytes = size.Load()
	if err != nil {
		return report, err
	}
	p.logger.Info("published", "bucket", p.bucket, "prefix", p.prefix, "files", report.Files)
	return report, nil
}
