package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/shadoworders/keeper/pkg/logger"
)

// Service 持久化服务接口
type Service interface {
	NewStore(key string) Store
	Close() error
}

// Store 单个 key 的存储。Save 是整体覆盖写，不做增量。
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Delete() error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

// JSONFileService 基于 JSON 文件的持久化服务
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

func (s *JSONFileService) NewStore(key string) Store {
	return &JSONFileStore{service: s, key: key}
}

func (s *JSONFileService) Close() error { return nil }

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	service *JSONFileService
	key     string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *JSONFileStore) filePath() string {
	safe := keySanitizer.ReplaceAllString(s.key, "_")
	return filepath.Join(s.service.baseDir, safe+".json")
}

// Save 先写临时文件再 rename，崩溃时不会留下半个文件
func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: key=%s", s.key)
	if err := os.MkdirAll(s.service.baseDir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	path := s.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONFileStore) Load(data interface{}) error {
	logger.Debugf("[persistence] Load: key=%s", s.key)
	b, err := os.ReadFile(s.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

func (s *JSONFileStore) Delete() error {
	err := os.Remove(s.filePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BadgerService 基于 Badger 的持久化服务（默认）。
// 每次 Save 都是一个同步提交的事务，进程崩溃后不会读到旧状态。
type BadgerService struct {
	db *badger.DB
}

type BadgerOptions struct {
	Dir      string
	InMemory bool // 测试用
}

func OpenBadger(opts BadgerOptions) (*BadgerService, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("persistence: badger dir is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerService{db: db}, nil
}

func (s *BadgerService) NewStore(key string) Store {
	return &BadgerStore{db: s.db, key: []byte(key)}
}

func (s *BadgerService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type BadgerStore struct {
	db  *badger.DB
	key []byte
}

func (s *BadgerStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

func (s *BadgerStore) Load(data interface{}) error {
	logger.Debugf("[persistence] Load: key=%s", s.key)
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotExists
		}
		return err
	}
	if len(raw) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(raw, data)
}

func (s *BadgerStore) Delete() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key)
	})
}
