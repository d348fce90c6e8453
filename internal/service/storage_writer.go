package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/otadbridge/otadbridge/internal/config"
	"github.com/otadbridge/otadbridge/pkg/logger"
)

// StorageWriter 归档写入器：把操作副本（命令行 + 厂商原始输出）写入本地目录或对象存储
type StorageWriter interface {
	Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error)
}

// StorageMeta 归档元数据，决定对象的目录层级与文件名
type StorageMeta struct {
	Controller string    // 控制主机名
	Category   string    // operations | sweeps
	RecordID   string    // 对应记录行的 uuid
	Operation  string    // 厂商操作名，或复合操作名（rotate_degrees / sweep）
	StartTime  time.Time // 操作开始时间（目录与文件名的时间戳来源）
}

// StoredObject 归档完成后的对象信息
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// NewStorageWriter 根据配置创建写入器。backend=minio/auto 时初始化 MinIO 客户端，
// 写入失败一律回退本地目录，保证副本不丢。
func NewStorageWriter(cfg *config.Config) StorageWriter {
	dw := &DelegatingStorageWriter{cfg: cfg, local: &LocalStorageWriter{cfg: cfg}}
	backend := strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if backend == "minio" || backend == "auto" {
		dw.minio = initMinioWriter(cfg)
	}
	return dw
}

// DelegatingStorageWriter 按配置的后端路由写入，MinIO 不可用时回退本地
type DelegatingStorageWriter struct {
	cfg   *config.Config
	local *LocalStorageWriter
	minio *MinioStorageWriter
}

func (w *DelegatingStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	backend := strings.ToLower(strings.TrimSpace(w.cfg.Storage.Backend))
	switch backend {
	case "minio":
		if w.minio == nil {
			// MinIO 后端被显式选择但客户端没起来：回退本地并带预警错误返回，
			// 上层记录预警但不中断操作流程
			logger.Warn("MinIO backend selected but client not initialized; falling back to local")
			obj, lerr := w.local.Write(ctx, meta, content)
			if lerr != nil {
				return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
			}
			return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
		}
		obj, err := w.minio.Write(ctx, meta, content)
		if err != nil {
			logger.Warn("MinIO write failed; falling back to local", "error", err)
			objLocal, lerr := w.local.Write(ctx, meta, content)
			if lerr != nil {
				return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
			}
			return objLocal, fmt.Errorf("minio write failed: %w; fell back to local successfully", err)
		}
		return obj, nil
	case "auto":
		// auto：MinIO 可用则优先，失败静默回退本地
		if w.minio != nil {
			if obj, err := w.minio.Write(ctx, meta, content); err == nil {
				return obj, nil
			} else {
				logger.Warn("MinIO write failed in auto mode; using local", "error", err)
			}
		}
		return w.local.Write(ctx, meta, content)
	default:
		return w.local.Write(ctx, meta, content)
	}
}

// objectParts 目录层级：prefix / category / controller / 日期；文件名带时间与记录号，
// 同一设备同一秒内的多条记录靠 recordID 前缀区分，不会互相覆盖。
func objectParts(cfg *config.Config, meta StorageMeta) ([]string, string) {
	parts := make([]string, 0, 4)
	if p := strings.TrimSpace(cfg.Storage.Prefix); p != "" {
		parts = append(parts, p)
	}
	category := strings.TrimSpace(meta.Category)
	if category == "" {
		category = "operations"
	}
	parts = append(parts, category)

	controller := slug(meta.Controller)
	parts = append(parts, controller)

	ts := meta.StartTime
	if ts.IsZero() {
		ts = time.Now()
	}
	parts = append(parts, ts.Format("20060102"))

	short := meta.RecordID
	if len(short) > 8 {
		short = short[:8]
	}
	filename := fmt.Sprintf("%s_%s_%s.txt", ts.Format("150405"), slug(meta.Operation), short)
	return parts, filename
}

// LocalStorageWriter 本地目录写入
type LocalStorageWriter struct {
	cfg *config.Config
}

func (w *LocalStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Storage.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/archive"
	}

	parts, filename := objectParts(w.cfg, meta)
	dirPath := filepath.Join(append([]string{baseDir}, parts...)...)

	if w.cfg.Storage.Local.MkdirIfMissing {
		if err := os.MkdirAll(dirPath, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create archive dir: %w", err)
		}
	}

	fullPath := filepath.Join(dirPath, filename)
	data := []byte(content)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write archive file: %w", err)
	}

	sum := sha256.Sum256(data)
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(data)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: "text/plain; charset=utf-8",
	}, nil
}

// MinioStorageWriter MinIO 对象存储写入
type MinioStorageWriter struct {
	cfg           *config.Config
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// initMinioWriter 尝试初始化 MinIO 写入器。初始化失败只告警不报错：
// 委派层会回退本地，服务照常启动。
func initMinioWriter(cfg *config.Config) *MinioStorageWriter {
	host := strings.TrimSpace(cfg.Storage.Minio.Host)
	port := cfg.Storage.Minio.Port
	if host == "" || port <= 0 {
		logger.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, port)

	// 自定义传输以提升连接与响应的鲁棒性
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Storage.Minio.AccessKey, cfg.Storage.Minio.SecretKey, ""),
		Secure:    cfg.Storage.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.Error("MinIO client initialization failed", "error", err)
		return nil
	}

	w := &MinioStorageWriter{cfg: cfg, client: client, endpoint: endpoint}

	// 轻量连通性与 bucket 校验，失败不阻塞初始化
	bucket := strings.TrimSpace(cfg.Storage.Minio.Bucket)
	if bucket == "" {
		logger.Warn("MinIO bucket not configured")
		return w
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.ensureBucket(ctx, bucket, 2); err != nil {
		logger.Warn("MinIO bucket ensure at init failed", "error", err)
	} else {
		w.bucketEnsured = true
	}
	return w
}

// Write 将副本写入 MinIO
func (w *MinioStorageWriter) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	bucket := strings.TrimSpace(w.cfg.Storage.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}

	parts, filename := objectParts(w.cfg, meta)
	objectName := path.Join(strings.Join(parts, "/"), filename)

	data := []byte(content)

	// 写入前快速连通性探测，失败尽早返回让委派层回退
	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}

	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket, 3); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		w.bucketEnsured = true
	}

	// 带退避的对象写入，尊重请求上下文的剩余时间
	var lastErr error
	attempts := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i := 0; i < len(attempts); i++ {
		r := bytes.NewReader(data)
		attemptCtx, cancel := w.attemptContext(ctx, attempts[i])
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, r, int64(len(data)),
			minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(attempts[i])
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}

	sum := sha256.Sum256(data)
	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(data)),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: "text/plain; charset=utf-8",
	}, nil
}

// fastConnectivityCheck 使用 TCP 直连做快速连通性校验
func (w *MinioStorageWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// ensureBucket 校验并创建 bucket，支持有限重试
func (w *MinioStorageWriter) ensureBucket(parent context.Context, bucket string, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := w.attemptContext(parent, 10*time.Second)
		exists, err := w.client.BucketExists(ctx, bucket)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		if exists {
			return nil
		}
		ctx2, cancel2 := w.attemptContext(parent, 10*time.Second)
		if mkErr := w.client.MakeBucket(ctx2, bucket, minio.MakeBucketOptions{}); mkErr != nil {
			lastErr = mkErr
			cancel2()
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		cancel2()
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("bucket ensure failed for %s", bucket)
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func (w *MinioStorageWriter) attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
