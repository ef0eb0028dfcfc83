package cache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"
)

// storedEntry 是落盘格式，Header 以普通 map 保存以便 gob 编码。
type storedEntry struct {
	Key      string
	Status   int
	Header   map[string][]string
	Body     []byte
	URL      string
	StoredAt int64 // unix nanoseconds
}

func encodeEntry(key string, resp *Response) ([]byte, error) {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	entry := storedEntry{
		Key:      key,
		Status:   resp.Status,
		Header:   map[string][]string(resp.Header.Clone()),
		Body:     resp.Body,
		URL:      resp.URL,
		StoredAt: storedAt.UnixNano(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (*Response, error) {
	var entry storedEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&entry); err != nil {
		return nil, err
	}
	header := http.Header(entry.Header)
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   entry.Status,
		Header:   header,
		Body:     entry.Body,
		URL:      entry.URL,
		StoredAt: time.Unix(0, entry.StoredAt).UTC(),
	}, nil
}
