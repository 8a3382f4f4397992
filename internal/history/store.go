package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Record 代表一条浏览记录
type Record struct {
	UserID      string `json:"user_id"`
	ContentID   string `json:"content_id"`
	ContentType string `json:"content_type"`
	Timestamp   int64  `json:"timestamp"`
}

// Store 定义浏览历史存储接口
type Store interface {
	// RecentViews 获取用户最近 N 天浏览过的内容 ID
	RecentViews(userID string, days int) ([]string, error)
	// SaveViews 保存浏览记录
	SaveViews(userID string, contentType string, contentIDs []string) error
	// CoViewed 与该用户有共同浏览的其他用户还看过的内容及次数
	CoViewed(userID string, days int) (map[string]int, error)
	// Cleanup 删除 N 天前的记录
	Cleanup(days int) error
}

// FileStore 基于 JSONL 文件的历史存储实现
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	records  []Record // 内存缓存，用于快速查询
	now      func() time.Time
}

// NewFileStore 创建一个新的 FileStore
// 如果文件不存在，会自动创建
func NewFileStore(filePath string) (*FileStore, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}
	fs := &FileStore{
		filePath: filePath,
		records:  make([]Record, 0),
		now:      time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

// load 从文件加载所有历史记录到内存
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			// 忽略损坏的行
			continue
		}
		s.records = append(s.records, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan history file: %w", err)
	}
	return nil
}

func (s *FileStore) cutoff(days int) int64 {
	return s.now().Unix() - int64(days*24*60*60)
}

// RecentViews 返回去重后的内容 ID，保持首次出现顺序
func (s *FileStore) RecentViews(userID string, days int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.cutoff(days)
	seen := make(map[string]struct{})
	var result []string
	for _, r := range s.records {
		if r.UserID != userID || r.Timestamp < cutoff {
			continue
		}
		if _, ok := seen[r.ContentID]; ok {
			continue
		}
		seen[r.ContentID] = struct{}{}
		result = append(result, r.ContentID)
	}
	return result, nil
}

// SaveViews 保存新的浏览记录到文件和内存
func (s *FileStore) SaveViews(userID string, contentType string, contentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history file for appending: %w", err)
	}
	defer f.Close()

	now := s.now().Unix()
	encoder := json.NewEncoder(f)
	for _, id := range contentIDs {
		record := Record{UserID: userID, ContentID: id, ContentType: contentType, Timestamp: now}
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("failed to write history record: %w", err)
		}
		s.records = append(s.records, record)
	}
	return nil
}

// CoViewed 简单的全量扫描，数据量大时应改为倒排索引
func (s *FileStore) CoViewed(userID string, days int) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.cutoff(days)
	mine := make(map[string]struct{})
	byUser := make(map[string]map[string]struct{})
	for _, r := range s.records {
		if r.Timestamp < cutoff {
			continue
		}
		if r.UserID == userID {
			mine[r.ContentID] = struct{}{}
			continue
		}
		set, ok := byUser[r.UserID]
		if !ok {
			set = make(map[string]struct{})
			byUser[r.UserID] = set
		}
		set[r.ContentID] = struct{}{}
	}

	counts := make(map[string]int)
	for _, items := range byUser {
		overlap := false
		for id := range items {
			if _, ok := mine[id]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			continue
		}
		for id := range items {
			if _, ok := mine[id]; !ok {
				counts[id]++
			}
		}
	}
	return counts, nil
}

// Cleanup 删除过期记录并重写文件
func (s *FileStore) Cleanup(days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.cutoff(days)
	kept := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Timestamp >= cutoff {
			kept = append(kept, r)
		}
	}

	tmp := s.filePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	w := bufio.NewWriter(f)
	encoder := json.NewEncoder(w)
	for _, r := range kept {
		if err := encoder.Encode(r); err != nil {
			f.Close()
			return fmt.Errorf("failed to write history record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush history file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp history file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	s.records = kept
	return nil
}

// Ping 检查历史文件是否可写
func (s *FileStore) Ping() error {
	f, err := os.OpenFile(s.filePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history file not writable: %w", err)
	}
	return f.Close()
}

// TopContent 按浏览次数排序的内容 ID，用于统计汇总
func (s *FileStore) TopContent(days, n int) []string {
	s.mu.RLock()
	cutoff := s.cutoff(days)
	counts := make(map[string]int)
	for _, r := range s.records {
		if r.Timestamp >= cutoff {
			counts[r.ContentID]++
		}
	}
	s.mu.RUnlock()

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if n > 0 && len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
