// Package objectstore implements the S3-compatible federated source
// connector: a dataset path of "<bucket>/<prefix>" is read as a
// set of CSV objects sharing one schema, the header row of the
// lexicographically-first object. Grounded on
// ValidateS3Config/S3HealthCheck (internal/s3_health.go) for endpoint
// validation and connectivity probing, generalized from a DuckDB S3
// PRAGMA config to a standalone connector using aws-sdk-go-v2 directly.
// No parquet object format is supported: no parquet library is available
// in this dependency set, so this connector reads CSV only.
package objectstore

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/lychee-technology/fedaccel"
	"github.com/lychee-technology/fedaccel/internal/federation"
	"github.com/lychee-technology/fedaccel/internal/secrets"
)

// Connector opens federated object-store tables backed by CSV objects.
type Connector struct{}

// New returns the "s3" connector factory.
func New() *Connector { return &Connector{} }

func (*Connector) Name() string { return "s3" }

// Open parses path as "<bucket>/<prefix>" and builds an S3 client from
// params (region/endpoint/access_key/secret_key), mirroring
// ValidateS3Config's requirement that an endpoint or credentials be given
// whenever S3 access is configured at all.
func (c *Connector) Open(ctx context.Context, path string, params secrets.Map) (federation.Provider, error) {
	bucket, prefix, err := splitPath(path)
	if err != nil {
		return federation.Provider{}, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration, err.Error())
	}
	if err := validateParams(params); err != nil {
		return federation.Provider{}, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration, err.Error())
	}

	client, err := newClient(ctx, params)
	if err != nil {
		return federation.Provider{}, fedaccel.NewConnectivityError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithCause(err)
	}

	return federation.Provider{Immediate: &tableProvider{client: client, bucket: bucket, prefix: prefix}}, nil
}

// OpenReadWrite builds the same tableProvider plus an s3 manager.Uploader,
// letting a dataset over this connector also serve as an Insert target
// (e.g. a localpod or Append-mode accelerator writing back a rollup).
func (c *Connector) OpenReadWrite(ctx context.Context, path string, params secrets.Map) (fedaccel.ReadWriteProvider, error) {
	bucket, prefix, err := splitPath(path)
	if err != nil {
		return nil, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration, err.Error())
	}
	if err := validateParams(params); err != nil {
		return nil, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration, err.Error())
	}
	client, err := newClient(ctx, params)
	if err != nil {
		return nil, fedaccel.NewConnectivityError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithCause(err)
	}
	return &tableProvider{client: client, bucket: bucket, prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

func splitPath(path string) (bucket, prefix string, err error) {
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("objectstore connector: path %q must be \"<bucket>/<prefix>\"", path)
	}
	if len(parts) == 1 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}

func validateParams(params secrets.Map) error {
	endpoint, hasEndpoint := params["endpoint"]
	_, hasAccessKey := params["access_key"]
	_, hasSecretKey := params["secret_key"]
	if !hasEndpoint && !hasAccessKey {
		return nil // default AWS credential chain, no explicit endpoint required
	}
	if hasEndpoint && endpoint.Reveal() == "" && !hasAccessKey {
		return fmt.Errorf("objectstore connector: enabling explicit S3 params requires endpoint or access_key/secret_key")
	}
	if hasAccessKey && !hasSecretKey {
		return fmt.Errorf("objectstore connector: access_key provided without secret_key")
	}
	return nil
}

func newClient(ctx context.Context, params secrets.Map) (*s3.Client, error) {
	region := "us-east-1"
	if v, ok := params["region"]; ok {
		region = v.Reveal()
	}

	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(region))
	if accessKey, ok := params["access_key"]; ok {
		secretKey := params["secret_key"]
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey.Reveal(), secretKey.Reveal(), ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3OptFns []func(*s3.Options)
	if endpoint, ok := params["endpoint"]; ok && endpoint.Reveal() != "" {
		ep := endpoint.Reveal()
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3OptFns...), nil
}

// HealthCheck performs a best-effort HeadBucket probe, in the spirit of
// S3HealthCheck's "non-authoritative, DNS/TLS validating" HEAD request.
func HealthCheck(ctx context.Context, client *s3.Client, bucket string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Forbidden", "AccessDenied":
			return fmt.Errorf("objectstore connector: bucket %q reachable but returned auth error: %w", bucket, err)
		}
	}
	return fmt.Errorf("objectstore connector: bucket %q health check failed: %w", bucket, err)
}

// tableProvider is the SourceTableProvider for one bucket/prefix of CSV
// objects sharing a header row.
type tableProvider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

var _ fedaccel.SourceTableProvider = (*tableProvider)(nil)
var _ fedaccel.ReadWriteProvider = (*tableProvider)(nil)

// Schema lists objects under the prefix, opens the lexicographically
// first one, and derives an all-string Arrow schema from its CSV header
// row. CSV carries no native typing, so every column is read back as
// string; a downstream accelerator with a narrower schema must cast.
func (t *tableProvider) Schema(ctx context.Context) (*arrow.Schema, error) {
	keys, err := t.listObjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fedaccel.NewSchemaError(fedaccel.ComponentConnector, fedaccel.CodeSchemaMismatch,
			fmt.Sprintf("objectstore connector: no objects under s3://%s/%s", t.bucket, t.prefix))
	}

	header, err := t.readHeader(ctx, keys[0])
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(header))
	for i, name := range header {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func (t *tableProvider) listObjects(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(t.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fedaccel.NewTransientError(fedaccel.ComponentConnector, fedaccel.CodeSourceUnreachable, err.Error()).WithCause(err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && strings.HasSuffix(*obj.Key, ".csv") {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (t *tableProvider) readHeader(ctx context.Context, key string) ([]string, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(t.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("objectstore connector: get %q: %w", key, err)
	}
	defer out.Body.Close()
	r := csv.NewReader(bufio.NewReader(out.Body))
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("objectstore connector: read header of %q: %w", key, err)
	}
	return header, nil
}

const scanBatchSize = 2048

// Scan streams every matching CSV object's rows as Arrow batches, applying
// filter in-process (the object store itself cannot push predicates down
// against flat CSV, unlike the SQL-backed connectors). projection narrows
// the returned schema; limit caps total rows across all objects combined.
func (t *tableProvider) Scan(ctx context.Context, projection []string, filter fedaccel.Predicate, limit int) (fedaccel.RecordBatchStream, error) {
	schema, err := t.Schema(ctx)
	if err != nil {
		return nil, err
	}
	if len(projection) > 0 {
		schema = projectSchema(schema, projection)
	}

	keys, err := t.listObjects(ctx)
	if err != nil {
		return nil, err
	}

	return &csvStream{
		ctx:     ctx,
		client:  t.client,
		bucket:  t.bucket,
		keys:    keys,
		schema:  schema,
		filter:  filter,
		limit:   limit,
		emitted: 0,
	}, nil
}

// Insert writes each incoming batch as its own CSV object under prefix,
// named with a random UUIDv7 the way flusher names its
// delta parquet objects (tmpUUID/finalUUID) to avoid key collisions
// between concurrent writers. mode is accepted for interface conformance
// only: a flat object store has no row-level identity to replace or
// overwrite against, so every mode behaves as an append of a new object.
func (t *tableProvider) Insert(ctx context.Context, batches fedaccel.RecordBatchStream, mode fedaccel.InsertMode) (int64, error) {
	if t.uploader == nil {
		return 0, fedaccel.NewConfigurationError(fedaccel.ComponentConnector, fedaccel.CodeInvalidConfiguration,
			"objectstore connector: dataset was not opened read-write")
	}
	var total int64
	for {
		rec, err := batches.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
		n, err := t.writeBatch(ctx, rec)
		rec.Release()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *tableProvider) writeBatch(ctx context.Context, rec fedaccel.RecordBatch) (int64, error) {
	var buf strings.Builder
	w := csv.NewWriter(&buf)
	schema := rec.Schema()
	header := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		header[i] = f.Name
	}
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("objectstore connector: write header: %w", err)
	}
	numRows := int(rec.NumRows())
	row := make([]string, len(header))
	for r := 0; r < numRows; r++ {
		for c := 0; c < len(header); c++ {
			row[c] = columnToString(rec.Column(c), r)
		}
		if err := w.Write(row); err != nil {
			return 0, fmt.Errorf("objectstore connector: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}

	key := strings.TrimSuffix(t.prefix, "/") + fmt.Sprintf("/%s.csv", uuid.Must(uuid.NewV7()).String())
	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(buf.String()),
	})
	if err != nil {
		return 0, fmt.Errorf("objectstore connector: upload %q: %w", key, err)
	}
	return int64(numRows), nil
}

func columnToString(col arrow.Array, row int) string {
	if col.IsNull(row) {
		return ""
	}
	return col.ValueStr(row)
}

func projectSchema(schema *arrow.Schema, projection []string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(projection))
	for _, name := range projection {
		idx := schema.FieldIndices(name)
		if len(idx) > 0 {
			fields = append(fields, schema.Field(idx[0]))
		}
	}
	return arrow.NewSchema(fields, nil)
}

// csvStream walks keys in order, streaming rows out of the currently open
// object before advancing to the next.
type csvStream struct {
	ctx    context.Context
	client *s3.Client
	bucket string

	keys    []string
	keyIdx  int
	reader  *csv.Reader
	body    io.Closer
	header  []string

	schema  *arrow.Schema
	filter  fedaccel.Predicate
	limit   int
	emitted int
}

func (s *csvStream) Schema() *arrow.Schema { return s.schema }

func (s *csvStream) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

func (s *csvStream) Next(ctx context.Context) (fedaccel.RecordBatch, error) {
	if s.limit > 0 && s.emitted >= s.limit {
		return nil, io.EOF
	}

	mem := memory.NewGoAllocator()
	rb := array.NewRecordBuilder(mem, s.schema)
	defer rb.Release()

	n := 0
	for n < scanBatchSize {
		if s.limit > 0 && s.emitted+n >= s.limit {
			break
		}
		row, ok, err := s.nextRow(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rowMap := make(map[string]string, len(s.header))
		for i, h := range s.header {
			if i < len(row) {
				rowMap[h] = row[i]
			}
		}
		if s.filter != nil {
			match, err := fedaccel.EvalRow(s.filter, toAnyMap(rowMap))
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		for _, f := range s.schema.Fields() {
			val, ok := rowMap[f.Name]
			sb := rb.Field(s.schema.FieldIndices(f.Name)[0]).(*array.StringBuilder)
			if !ok {
				sb.AppendNull()
				continue
			}
			sb.Append(val)
		}
		n++
	}
	if n == 0 {
		return nil, io.EOF
	}
	s.emitted += n
	return rb.NewRecord(), nil
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nextRow returns the next CSV data row, transparently advancing across
// object boundaries. ok is false only once every object is exhausted.
func (s *csvStream) nextRow(ctx context.Context) (row []string, ok bool, err error) {
	for {
		if s.reader == nil {
			if s.keyIdx >= len(s.keys) {
				return nil, false, nil
			}
			key := s.keys[s.keyIdx]
			s.keyIdx++
			out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
			if err != nil {
				return nil, false, fmt.Errorf("objectstore connector: get %q: %w", key, err)
			}
			s.body = out.Body
			s.reader = csv.NewReader(bufio.NewReader(out.Body))
			header, err := s.reader.Read()
			if err != nil {
				s.body.Close()
				return nil, false, fmt.Errorf("objectstore connector: read header of %q: %w", key, err)
			}
			s.header = header
		}

		row, err := s.reader.Read()
		if err == io.EOF {
			s.body.Close()
			s.reader = nil
			s.body = nil
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return row, true, nil
	}
}
