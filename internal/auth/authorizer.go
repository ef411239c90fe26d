package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"gopkg.in/yaml.v3"

	"github.com/langchou/csms/internal/ocpp"
)

// Authorizer 解析 id tag 的授权状态
type Authorizer interface {
	Authorize(ctx context.Context, chargePointID, idTag string) (ocpp.IdTagInfo, error)
}

// AcceptAll 接受所有 id tag
type AcceptAll struct{}

func (AcceptAll) Authorize(ctx context.Context, chargePointID, idTag string) (ocpp.IdTagInfo, error) {
	return ocpp.IdTagInfo{Status: ocpp.AuthorizationAccepted}, nil
}

// TagEntry 授权列表中的一条记录
type TagEntry struct {
	IDTag       string     `yaml:"id_tag"`
	Status      string     `yaml:"status"`
	Expiry      *time.Time `yaml:"expiry,omitempty"`
	ParentIDTag string     `yaml:"parent_id_tag,omitempty"`
}

// TagFile YAML 文件结构
type TagFile struct {
	// 列表外的 tag 使用该状态，默认 Invalid
	DefaultStatus string     `yaml:"default_status"`
	Tags          []TagEntry `yaml:"tags"`
}

// TagList 基于本地列表的授权
type TagList struct {
	mu            sync.RWMutex
	clock         clock.Clock
	defaultStatus ocpp.AuthorizationStatus
	tags          map[string]TagEntry
}

// LoadTagList 从 YAML 文件加载
func LoadTagList(path string, clk clock.Clock) (*TagList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tag list: %w", err)
	}
	return ParseTagList(data, clk)
}

// ParseTagList 解析 YAML 授权列表
func ParseTagList(data []byte, clk clock.Clock) (*TagList, error) {
	var f TagFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tag list: %w", err)
	}
	if clk == nil {
		clk = clock.WallClock
	}

	l := &TagList{
		clock:         clk,
		defaultStatus: ocpp.AuthorizationInvalid,
		tags:          make(map[string]TagEntry, len(f.Tags)),
	}
	if f.DefaultStatus != "" {
		status, err := parseStatus(f.DefaultStatus)
		if err != nil {
			return nil, err
		}
		l.defaultStatus = status
	}
	for _, t := range f.Tags {
		if t.IDTag == "" {
			return nil, fmt.Errorf("parse tag list: entry without id_tag")
		}
		if t.Status == "" {
			t.Status = string(ocpp.AuthorizationAccepted)
		}
		if _, err := parseStatus(t.Status); err != nil {
			return nil, err
		}
		l.tags[t.IDTag] = t
	}
	return l, nil
}

func parseStatus(s string) (ocpp.AuthorizationStatus, error) {
	switch status := ocpp.AuthorizationStatus(s); status {
	case ocpp.AuthorizationAccepted, ocpp.AuthorizationBlocked, ocpp.AuthorizationExpired, ocpp.AuthorizationInvalid:
		return status, nil
	default:
		return "", fmt.Errorf("unknown authorization status %q", s)
	}
}

// Authorize 查询 id tag，比较时不区分大小写
func (l *TagList) Authorize(ctx context.Context, chargePointID, idTag string) (ocpp.IdTagInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.tags[idTag]
	if !ok {
		for k, v := range l.tags {
			if strings.EqualFold(k, idTag) {
				entry, ok = v, true
				break
			}
		}
	}
	if !ok {
		return ocpp.IdTagInfo{Status: l.defaultStatus}, nil
	}

	info := ocpp.IdTagInfo{
		Status:      ocpp.AuthorizationStatus(entry.Status),
		ParentIdTag: entry.ParentIDTag,
	}
	if entry.Expiry != nil {
		info.ExpiryDate = ocpp.NewDateTime(*entry.Expiry)
		if info.Status == ocpp.AuthorizationAccepted && !l.clock.Now().Before(*entry.Expiry) {
			info.Status = ocpp.AuthorizationExpired
		}
	}
	return info, nil
}

// Len 列表条目数
func (l *TagList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tags)
}
