// Package archive periodically moves old trade records out of the
// analytics mirror into local gzipped NDJSON files, and — when an S3 bucket
// is configured — uploads each archived batch to S3 before rotating local
// files out once the on-disk archive exceeds its size budget.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/hlperp-engine/internal/statestore"
)

// Uploader is satisfied by *s3.Client; narrowed for testability.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver moves aged trade mirror documents from MongoDB into local
// gzipped NDJSON batches, uploading each batch to S3 when configured.
type Archiver struct {
	db       *mongo.Database
	dir      string
	maxBytes int64
	interval time.Duration
	maxAge   time.Duration

	uploader Uploader
	bucket   string
	prefix   string
}

// New creates an Archiver. uploader/bucket may be left zero to disable S3
// upload, in which case archived batches remain purely local.
func New(db *mongo.Database, dir string, maxGB int, interval, maxAge time.Duration, uploader Uploader, bucket, prefix string) *Archiver {
	return &Archiver{
		db:       db,
		dir:      dir,
		maxBytes: int64(maxGB) * 1 << 30,
		interval: interval,
		maxAge:   maxAge,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	log.Printf("archive: dir=%s max=%dGB interval=%v age=%v s3=%v",
		a.dir, a.maxBytes>>30, a.interval, a.maxAge, a.bucket != "")

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		log.Printf("archive: load cursor: %v", err)
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	trades, err := a.queryTrades(ctx, cursor, cutoff)
	if err != nil {
		log.Printf("archive: query: %v", err)
		return
	}
	if len(trades) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(trades)
	for day, batch := range batches {
		path, err := a.writeBatch(day, batch)
		if err != nil {
			log.Printf("archive: write %s: %v", day, err)
			return
		}
		if a.uploader != nil && a.bucket != "" {
			if err := a.upload(ctx, day, path); err != nil {
				log.Printf("archive: s3 upload %s: %v (keeping local copy)", day, err)
			}
		}
		if err := a.deleteBatch(ctx, batch); err != nil {
			log.Printf("archive: delete %s: %v", day, err)
			return
		}
		log.Printf("archive: archived %d trades for %s", len(batch), day)
	}

	a.saveCursor(ctx, cutoff)
	a.rotate()
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection("archive_state").FindOne(ctx, bson.M{"key": "cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection("archive_state").UpdateOne(ctx,
		bson.M{"key": "cursor"},
		bson.M{"$set": bson.M{"key": "cursor", "value_time": t, "updated_at": time.Now()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		log.Printf("archive: save cursor: %v", err)
	}
}

func (a *Archiver) queryTrades(ctx context.Context, from, to time.Time) ([]statestore.TradeRecord, error) {
	filter := bson.M{
		"timestampExit": bson.M{"$gte": from.UnixMilli(), "$lt": to.UnixMilli()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestampExit", Value: 1}})

	cur, err := a.db.Collection("trades").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find trades: %w", err)
	}
	defer cur.Close(ctx)

	var trades []statestore.TradeRecord
	if err := cur.All(ctx, &trades); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	return trades, nil
}

func groupByDay(trades []statestore.TradeRecord) map[string][]statestore.TradeRecord {
	batches := make(map[string][]statestore.TradeRecord)
	for _, t := range trades {
		day := time.UnixMilli(t.TimestampExit).UTC().Format("2006/01/02")
		batches[day] = append(batches[day], t)
	}
	return batches
}

// writeBatch writes trades as gzipped NDJSON to dir/trades/YYYY/MM/DD.jsonl.gz
// and returns the written path.
func (a *Archiver) writeBatch(day string, trades []statestore.TradeRecord) (string, error) {
	path := filepath.Join(a.dir, "trades", day+".jsonl.gz")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, t := range trades {
		if err := enc.Encode(t); err != nil {
			gz.Close()
			return "", fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	return path, nil
}

func (a *Archiver) upload(ctx context.Context, day, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read local batch: %w", err)
	}
	key := fmt.Sprintf("%s/trades/%s.jsonl.gz", a.prefix, day)
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, trades []statestore.TradeRecord) error {
	ids := make([]string, len(trades))
	for i, t := range trades {
		ids[i] = t.TradeID
	}
	_, err := a.db.Collection("trades").DeleteMany(ctx, bson.M{"tradeId": bson.M{"$in": ids}})
	if err != nil {
		return fmt.Errorf("delete archived trades: %w", err)
	}
	return nil
}

// rotate deletes the oldest local archive files until total size is under
// maxBytes. S3, if configured, already holds the full history.
func (a *Archiver) rotate() {
	root := filepath.Join(a.dir, "trades")

	type entry struct {
		path string
		size int64
	}
	var files []entry
	var total int64

	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, entry{path: path, size: info.Size()})
		total += info.Size()
		return nil
	})

	if total <= a.maxBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	for _, f := range files {
		if total <= a.maxBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.Printf("archive: remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
		log.Printf("archive: rotated out %s (%d bytes)", f.path, f.size)
	}
}
