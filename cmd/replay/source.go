package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fulcrum-co/pulse-laravel-sub005/internal/logger"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

// S3API is the subset of the S3 client the snapshot loader needs.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func isSnapshotFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl", ".ndjson":
		return true
	}
	return false
}

// decodeContacts reads one snapshot file. A .jsonl file holds one contact
// per line; a .json file holds one contact or an array of them.
func decodeContacts(name string, r io.Reader) ([]runner.Contact, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".jsonl" || ext == ".ndjson" {
		var out []runner.Contact
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			var c runner.Contact
			if err := json.Unmarshal(text, &c); err != nil {
				return nil, fmt.Errorf("%s:%d: %w", name, line, err)
			}
			out = append(out, c)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var out []runner.Contact
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	}
	var c runner.Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return []runner.Contact{c}, nil
}

// loadLocal reads a snapshot file, or every snapshot file in a directory in
// name order.
func loadLocal(path string) ([]runner.Contact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			if !e.IsDir() && isSnapshotFile(e.Name()) {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var out []runner.Contact
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		contacts, err := decodeContacts(name, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, contacts...)
	}
	return out, nil
}

// parseS3URL splits s3://bucket/prefix.
func parseS3URL(raw string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URL: %q", raw)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 URL %q has no bucket", raw)
	}
	return bucket, prefix, nil
}

// loadS3 reads every snapshot object under bucket/prefix in key order.
func loadS3(ctx context.Context, client S3API, bucket, prefix string) ([]runner.Contact, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); isSnapshotFile(key) {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)

	var out []runner.Contact
	for _, key := range keys {
		obj, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
		}
		contacts, err := decodeContacts(key, obj.Body)
		obj.Body.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, contacts...)
	}

	logger.Info("Loaded snapshots from S3", "bucket", bucket, "prefix", prefix, "objects", len(keys), "contacts", len(out))
	return out, nil
}
