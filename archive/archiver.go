package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	appconfig "optionflow/config"
	"optionflow/expiry"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/writer"
)

// Archiver exports completed sessions' row files to parquet, into an S3
// bucket or a local archive directory, and records a manifest per session.
// Today's still-growing files are never touched; a session becomes eligible
// once its date has passed in the market timezone.
type Archiver struct {
	cfg      *appconfig.Config
	fw       *writer.FileWriter
	loc      *time.Location
	s3Client *s3.Client
	limiter  *rate.Limiter
	tracker  metrics.Tracker
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Entry

	doneMu sync.Mutex
	done   map[string]bool
}

// rowFile locates one session row file eligible for export.
type rowFile struct {
	Index string
	Code  models.ExpiryCode
	Date  string
	Path  string
}

func NewArchiver(cfg *appconfig.Config, fw *writer.FileWriter, cal *expiry.TradingCalendar, tracker metrics.Tracker) (*Archiver, error) {
	if tracker == nil {
		tracker = metrics.Nop()
	}
	a := &Archiver{
		cfg:     cfg,
		fw:      fw,
		loc:     cal.Location(),
		tracker: tracker,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger().WithComponent("archive"),
		done:    make(map[string]bool),
	}
	if !cfg.Archive.Enabled {
		return a, nil
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		a.s3Client = client
	}

	if perSec := cfg.Archive.UploadRatePerSec; perSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	} else {
		a.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	a.log.WithFields(logger.Fields{
		"compression":   cfg.Archive.Compression,
		"scan_interval": cfg.Archive.ScanInterval.String(),
		"s3":            a.s3Client != nil,
	}).Info("archiver initialized")
	return a, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	if !a.cfg.Archive.Enabled {
		a.log.Info("archiving disabled, archiver idle")
		return nil
	}

	a.log.Info("starting archiver")
	a.wg.Add(1)
	go a.scanLoop()
	a.log.Info("archiver started successfully")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.Info("stopping archiver")
	a.wg.Wait()
	a.log.Info("archiver stopped")
}

// scanLoop exports once at startup, picking up sessions completed while the
// process was down, then on every scan interval.
func (a *Archiver) scanLoop() {
	defer a.wg.Done()

	interval := a.cfg.Archive.ScanInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.scan(a.ctx, time.Now())
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.scan(a.ctx, time.Now())
		}
	}
}

func (a *Archiver) scan(ctx context.Context, now time.Time) {
	today := now.In(a.loc).Format("2006-01-02")
	pending := a.pendingSessions(today)
	if len(pending) == 0 {
		return
	}

	sessions := make([]string, 0, len(pending))
	for session := range pending {
		sessions = append(sessions, session)
	}
	sort.Strings(sessions)

	for _, session := range sessions {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.archiveSession(ctx, session, pending[session])
	}
}

func (a *Archiver) pendingSessions(today string) map[string][]rowFile {
	base := a.fw.BaseDir()
	indices, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.WithError(err).Warn("failed to list base directory")
		}
		return nil
	}

	pending := make(map[string][]rowFile)
	for _, entry := range indices {
		if !entry.IsDir() {
			continue
		}
		index := entry.Name()
		for _, code := range models.ExpiryCodes() {
			dir := filepath.Join(base, index, string(code))
			names, err := a.fw.ListFiles(dir)
			if err != nil {
				a.log.WithError(err).WithFields(logger.Fields{"dir": dir}).Warn("failed to list expiry directory")
				continue
			}
			for _, name := range names {
				// Row files are named by session date; the overview file
				// lives alongside them and is skipped here.
				if _, err := time.Parse("2006-01-02", name); err != nil {
					continue
				}
				if name >= today {
					continue
				}
				pending[name] = append(pending[name], rowFile{
					Index: index,
					Code:  code,
					Date:  name,
					Path:  filepath.Join(dir, name),
				})
			}
		}
	}
	return pending
}

// archiveSession exports every row file of one completed session and then
// commits the manifest. Any failure leaves the manifest unwritten so the
// whole session is retried on the next scan.
func (a *Archiver) archiveSession(ctx context.Context, session string, files []rowFile) {
	if a.sessionArchived(ctx, session) {
		return
	}

	start := time.Now()
	log := a.log.WithFields(logger.Fields{"session_date": session, "files": len(files)})
	log.Info("archiving session")

	archived := make([]ArchivedFile, 0, len(files))
	var totalBytes int64
	for _, f := range files {
		rows, err := a.fw.ReadRows(f.Path)
		if err != nil {
			a.exportFailed(log, f, err, "failed to read session rows")
			return
		}
		if len(rows) == 0 {
			continue
		}
		// Row files carry no identity columns; the path does.
		for i := range rows {
			rows[i].Index = f.Index
			rows[i].ExpiryCode = f.Code
		}
		data, err := buildParquet(rows, a.cfg.Archive.Compression)
		if err != nil {
			a.exportFailed(log, f, err, "failed to build parquet file")
			return
		}
		key := fmt.Sprintf("index=%s/expiry=%s/date=%s/%s.parquet", f.Index, f.Code, f.Date, uuid.New().String())
		path, err := a.store(ctx, key, data)
		if err != nil {
			a.exportFailed(log, f, err, "failed to store parquet file")
			return
		}

		logger.IncrementArchiveUpload(int64(len(data)))
		a.tracker.Increment(metrics.MetricArchiveUploads, 1, map[string]string{
			"component": "archive",
			"index":     f.Index,
		})
		totalBytes += int64(len(data))
		archived = append(archived, ArchivedFile{
			Path:      path,
			SizeBytes: int64(len(data)),
			Rows:      int64(len(rows)),
			Partition: map[string]string{"index": f.Index, "expiry": string(f.Code), "date": f.Date},
		})
		log.WithFields(logger.Fields{
			"path":       path,
			"rows":       len(rows),
			"size_bytes": len(data),
		}).Debug("session file exported")
	}

	manifest := Manifest{
		ManifestID:  uuid.New().String(),
		SessionDate: session,
		CreatedAt:   time.Now().UTC(),
		Files:       archived,
	}
	if err := a.writeManifest(ctx, manifest); err != nil {
		a.tracker.Increment(metrics.MetricArchiveErrors, 1, map[string]string{"component": "archive"})
		log.WithError(err).Error("failed to write session manifest")
		return
	}
	a.markDone(session)
	log.WithFields(logger.Fields{"exported": len(archived), "total_bytes": totalBytes}).Info("session archived")

	logger.LogPerformanceEntry(a.log, "archive", "archive_session", time.Since(start), logger.Fields{
		"session_date": session,
		"exported":     len(archived),
	})
}

func (a *Archiver) exportFailed(log *logger.Entry, f rowFile, err error, msg string) {
	a.tracker.Increment(metrics.MetricArchiveErrors, 1, map[string]string{
		"component": "archive",
		"index":     f.Index,
	})
	log.WithError(err).WithFields(logger.Fields{"source": f.Path}).Error(msg)
}

func (a *Archiver) store(ctx context.Context, key string, data []byte) (string, error) {
	if a.s3Client != nil {
		return a.upload(ctx, key, data)
	}
	target := filepath.Join(a.cfg.Archive.Dir, filepath.FromSlash(key))
	if err := writeFileAtomic(target, data); err != nil {
		return "", err
	}
	return target, nil
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("upload rate limit wait: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.cfg.Archive.Compression,
			"optionflow-version": a.cfg.Optionflow.Version,
		},
	}
	// An upload already in flight finishes even while shutting down.
	if _, err := a.s3Client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		return "", fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Storage.S3.Bucket, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.cfg.Storage.S3.Bucket, key), nil
}

func (a *Archiver) writeManifest(ctx context.Context, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if a.s3Client != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("upload rate limit wait: %w", err)
		}
		input := &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Storage.S3.Bucket),
			Key:         aws.String(a.manifestKey(m.SessionDate)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		}
		if _, err := a.s3Client.PutObject(context.WithoutCancel(ctx), input); err != nil {
			return fmt.Errorf("failed to upload manifest: %w", err)
		}
		return nil
	}
	return writeFileAtomic(a.localManifestPath(m.SessionDate), data)
}

func (a *Archiver) sessionArchived(ctx context.Context, session string) bool {
	a.doneMu.Lock()
	done := a.done[session]
	a.doneMu.Unlock()
	if done {
		return true
	}

	if a.s3Client == nil {
		if _, err := os.Stat(a.localManifestPath(session)); err == nil {
			a.markDone(session)
			return true
		}
		return false
	}

	_, err := a.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Storage.S3.Bucket),
		Key:    aws.String(a.manifestKey(session)),
	})
	if err == nil {
		a.markDone(session)
		return true
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return false
	}
	// Unclear manifest state defers the session to the next scan rather
	// than risking duplicate exports.
	a.log.WithError(err).WithFields(logger.Fields{"session_date": session}).Warn("manifest check failed, deferring session")
	return true
}

func (a *Archiver) markDone(session string) {
	a.doneMu.Lock()
	a.done[session] = true
	a.doneMu.Unlock()
}

func (a *Archiver) manifestKey(session string) string {
	return fmt.Sprintf("manifests/date=%s.json", session)
}

func (a *Archiver) localManifestPath(session string) string {
	return filepath.Join(a.cfg.Archive.Dir, "manifests", session+".json")
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-archive-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename to %s: %w", target, err)
	}
	return nil
}
