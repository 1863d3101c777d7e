package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "drover/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.activity.jsonl (append-only JSON Lines)
//   - <prefix>.accounts.json  (atomic snapshot)
//   - <prefix>.proxies.json   (atomic snapshot)
//
// Activity queries scan the jsonl file; this backend suits small fleets and
// tests, not long retention windows.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	activityPath string
	activityFile *os.File

	accountsPath string
	proxiesPath  string
	accounts     map[string]AccountSnapshot
	proxies      map[string]ProxySnapshot
}

type activityLine struct {
	At        int64  `json:"at"` // unix milli
	TaskID    string `json:"task_id"`
	AccountID string `json:"account_id"`
	ProxyID   string `json:"proxy_id,omitempty"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	TookMS    int64  `json:"took_ms,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		activityPath: prefix + ".activity.jsonl",
		accountsPath: prefix + ".accounts.json",
		proxiesPath:  prefix + ".proxies.json",
		accounts:     map[string]AccountSnapshot{},
		proxies:      map[string]ProxySnapshot{},
	}

	af, err := os.OpenFile(s.activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.activityFile = af

	_ = loadJSONMap(s.accountsPath, s.accounts, func(a AccountSnapshot) string { return a.ID })
	_ = loadJSONMap(s.proxiesPath, s.proxies, func(p ProxySnapshot) string { return p.ID })
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityFile == nil {
		return nil
	}
	err := s.activityFile.Close()
	s.activityFile = nil
	return err
}

func (s *fileStore) AppendActivity(ctx context.Context, r ActivityRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityFile == nil {
		return errors.New("activity file closed")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return json.NewEncoder(s.activityFile).Encode(activityLine{
		At:        r.At.UnixMilli(),
		TaskID:    r.TaskID,
		AccountID: r.AccountID,
		ProxyID:   r.ProxyID,
		Kind:      r.Kind,
		Outcome:   r.Outcome,
		Detail:    r.Detail,
		Attempt:   r.Attempt,
		TookMS:    r.TookMS,
	})
}

func (s *fileStore) ActivitySince(ctx context.Context, since time.Time, limit int) ([]ActivityRecord, error) {
	return s.scanActivity(ctx, "", since, limit)
}

func (s *fileStore) ActivityFor(ctx context.Context, resourceID string, since time.Time, limit int) ([]ActivityRecord, error) {
	return s.scanActivity(ctx, resourceID, since, limit)
}

// scanActivity reads the jsonl log; an empty resourceID matches every row,
// otherwise the row's account or proxy must match.
func (s *fileStore) scanActivity(ctx context.Context, resourceID string, since time.Time, limit int) ([]ActivityRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.activityPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cutoff := since.UnixMilli()
	var out []ActivityRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line activityLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		if line.At < cutoff {
			continue
		}
		if resourceID != "" && line.AccountID != resourceID && line.ProxyID != resourceID {
			continue
		}
		out = append(out, ActivityRecord{
			At:        time.UnixMilli(line.At),
			TaskID:    line.TaskID,
			AccountID: line.AccountID,
			ProxyID:   line.ProxyID,
			Kind:      line.Kind,
			Outcome:   line.Outcome,
			Detail:    line.Detail,
			Attempt:   line.Attempt,
			TookMS:    line.TookMS,
		})
		if limit > 0 && len(out) > limit {
			out = out[1:] // keep the newest rows when over limit
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *fileStore) PruneActivity(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.activityPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := before.UnixMilli()
	tmp := s.activityPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = f.Close()
		return 0, err
	}

	var dropped int64
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var line activityLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil || line.At < cutoff {
			dropped++
			continue
		}
		w.Write(sc.Bytes())
		w.WriteByte('\n')
	}
	_ = f.Close()
	if err := sc.Err(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	// Swap under the lock: reopen the append handle on the new file.
	if s.activityFile != nil {
		_ = s.activityFile.Close()
	}
	if err := os.Rename(tmp, s.activityPath); err != nil {
		return 0, err
	}
	af, err := os.OpenFile(s.activityPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.activityFile = af
	return dropped, nil
}

func (s *fileStore) UpsertAccount(ctx context.Context, a AccountSnapshot) error {
	_ = ctx
	if strings.TrimSpace(a.ID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
	return writeJSONAtomic(s.accountsPath, mapValues(s.accounts))
}

func (s *fileStore) Accounts(ctx context.Context) ([]AccountSnapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := mapValues(s.accounts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) UpsertProxy(ctx context.Context, p ProxySnapshot) error {
	_ = ctx
	if strings.TrimSpace(p.ID) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[p.ID] = p
	return writeJSONAtomic(s.proxiesPath, mapValues(s.proxies))
}

func (s *fileStore) RemoveProxy(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proxies, id)
	return writeJSONAtomic(s.proxiesPath, mapValues(s.proxies))
}

func (s *fileStore) Proxies(ctx context.Context) ([]ProxySnapshot, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := mapValues(s.proxies)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func mapValues[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func loadJSONMap[V any](path string, out map[string]V, key func(V) string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []V
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, v := range list {
		if k := key(v); k != "" {
			out[k] = v
		}
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
