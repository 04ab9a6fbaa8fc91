package db

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	applog "trackshield/internal/logger"
)

// MemoryName 内存数据库名
const MemoryName = ":memory:"

// Options 数据库配置选项
type Options struct {
	// Name 数据库文件名，位于应用数据目录下；为 :memory: 时使用内存库
	Name string
	// FullPath 数据库完整路径，优先于 Name
	FullPath string
	// Prefix 表前缀
	Prefix string
	// Logger GORM 日志实现
	Logger logger.Interface
}

// New 创建并初始化数据库连接
func New(opts Options) (*gorm.DB, error) {
	dsn, memory, err := resolveDSN(opts)
	if err != nil {
		return nil, err
	}

	gl := opts.Logger
	if gl == nil {
		gl = logger.Discard
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gl,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   opts.Prefix,
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if memory {
		// 内存库每个连接各自独立，只能保留一个连接
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetMaxOpenConns(8)
	}

	return db, nil
}

func resolveDSN(opts Options) (string, bool, error) {
	if opts.FullPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FullPath), 0o755); err != nil {
			return "", false, err
		}
		return opts.FullPath, false, nil
	}
	if opts.Name == MemoryName {
		return MemoryName, true, nil
	}
	name := opts.Name
	if name == "" {
		name = "data.db"
	}
	p, err := GetDefaultPath(name)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", false, err
	}
	return p, false, nil
}

// Migrate 执行数据库自动迁移
func Migrate(db *gorm.DB, models ...any) error {
	return db.AutoMigrate(models...)
}

// Close 关闭底层连接
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDefaultPath 获取平台相关的默认数据库文件路径
func GetDefaultPath(dbName string) (string, error) {
	dir, err := applog.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbName), nil
}
