package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"trackshield/internal/storage/model"
	"trackshield/pkg/domain"
)

// SettingsRepo 键值仓库
type SettingsRepo struct {
	BaseRepository[model.Setting]
}

// NewSettingsRepo 创建键值仓库实例
func NewSettingsRepo(db *gorm.DB) *SettingsRepo {
	return &SettingsRepo{BaseRepository: *NewBaseRepository[model.Setting](db)}
}

// Get 获取值，不存在时返回 domain.ErrKeyNotFound
func (r *SettingsRepo) Get(ctx context.Context, key string) (string, error) {
	var setting model.Setting
	err := r.Db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", domain.ErrKeyNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return setting.Value, nil
}

// SetMultiple 在一个事务中批量设置
func (r *SettingsRepo) SetMultiple(ctx context.Context, kvs map[string]string) error {
	return r.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		for key, value := range kvs {
			setting := model.Setting{Key: key, Value: value, UpdatedAt: now}
			if err := tx.Save(&setting).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteKeys 删除指定的键
func (r *SettingsRepo) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Db.WithContext(ctx).Where("key IN ?", keys).Delete(&model.Setting{}).Error
}
