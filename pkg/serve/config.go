// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package serve

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/keelscm/keel/modules/streamio"
	"github.com/keelscm/keel/modules/strengthen"
	"github.com/keelscm/keel/pkg/serve/hook"
	"github.com/keelscm/keel/pkg/serve/protect"
)

const (
	maxAllowedPacket = 16777216
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type Database struct {
	Name    string   `toml:"name"`
	User    string   `toml:"user"`
	Host    string   `toml:"host"`
	Port    int      `toml:"port"`
	Passwd  string   `toml:"passwd"`
	Timeout Duration `toml:"timeout,omitempty"`
}

func (d *Database) Decrypt(decryptedKey string) {
	if d == nil || len(decryptedKey) == 0 {
		return
	}
	if passwd, err := Decrypt(d.Passwd, decryptedKey); err == nil {
		d.Passwd = passwd
	}
}

func (d *Database) MakeConfig() (*mysql.Config, error) {
	if d.Timeout.Duration == 0 {
		d.Timeout.Duration = 30 * time.Second
	}

	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Passwd
	cfg.DBName = d.Name
	cfg.Net = "tcp"
	cfg.Addr = d.Host + ":" + strconv.Itoa(d.Port)
	cfg.Timeout = d.Timeout.Duration
	cfg.ReadTimeout = d.Timeout.Duration
	cfg.WriteTimeout = d.Timeout.Duration
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.MaxAllowedPacket = maxAllowedPacket

	return cfg, nil
}

type OSS struct {
	Endpoint        string `toml:"endpoint,omitempty"`
	SharedEndpoint  string `toml:"shared_endpoint,omitempty"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	AccessKeySecret string `toml:"access_key_secret"`
	Product         string `toml:"product,omitempty"`
	Region          string `toml:"region,omitempty"`
}

func (o *OSS) Decrypt(decryptedKey string) {
	if o == nil || len(decryptedKey) == 0 {
		return
	}
	if accessKeyID, err := Decrypt(o.AccessKeyID, decryptedKey); err == nil {
		o.AccessKeyID = accessKeyID
	}
	if accessKeySecret, err := Decrypt(o.AccessKeySecret, decryptedKey); err == nil {
		o.AccessKeySecret = accessKeySecret
	}
}

type S3 struct {
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style,omitempty"`
}

func (s *S3) Decrypt(decryptedKey string) {
	if s == nil || len(decryptedKey) == 0 {
		return
	}
	if accessKeyID, err := Decrypt(s.AccessKeyID, decryptedKey); err == nil {
		s.AccessKeyID = accessKeyID
	}
	if secretAccessKey, err := Decrypt(s.SecretAccessKey, decryptedKey); err == nil {
		s.SecretAccessKey = secretAccessKey
	}
}

type GCS struct {
	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint,omitempty"` // fake-gcs-server and friends
	CredentialsFile string `toml:"credentials_file,omitempty"`
	Anonymous       bool   `toml:"anonymous,omitempty"`
}

// ColdStorage selects the bucket driver for the cold tier. Exactly one of
// the driver sections must be present.
type ColdStorage struct {
	Driver string `toml:"driver"` // oss, s3, gcs
	OSS    *OSS   `toml:"oss,omitempty"`
	S3     *S3    `toml:"s3,omitempty"`
	GCS    *GCS   `toml:"gcs,omitempty"`
}

func (c *ColdStorage) Decrypt(decryptedKey string) {
	if c == nil || len(decryptedKey) == 0 {
		return
	}
	c.OSS.Decrypt(decryptedKey)
	c.S3.Decrypt(decryptedKey)
}

func (c *ColdStorage) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Driver {
	case "oss":
		if c.OSS == nil {
			return fmt.Errorf("cold storage driver oss: missing [storage.cold.oss] section")
		}
	case "s3":
		if c.S3 == nil {
			return fmt.Errorf("cold storage driver s3: missing [storage.cold.s3] section")
		}
	case "gcs":
		if c.GCS == nil {
			return fmt.Errorf("cold storage driver gcs: missing [storage.cold.gcs] section")
		}
	default:
		return fmt.Errorf("unsupported cold storage driver: %s", c.Driver)
	}
	return nil
}

// LRU bounds the in-memory byte cache that fronts the hot tier.
type LRU struct {
	MaxObjects int      `toml:"max_objects,omitempty"`
	MaxBytes   int64    `toml:"max_bytes,omitempty"`
	TTL        Duration `toml:"ttl,omitempty"`
}

// Migrate drives the tier migration engine.
type Migrate struct {
	MaxAgeInHot    Duration `toml:"max_age_in_hot,omitempty"`
	MinAccessCount int64    `toml:"min_access_count,omitempty"`
	MaxHotSize     int64    `toml:"max_hot_size,omitempty"`
	Interval       Duration `toml:"interval,omitempty"`
	Concurrency    int      `toml:"concurrency,omitempty"`
	LockTimeout    Duration `toml:"lock_timeout,omitempty"`
	Checksum       bool     `toml:"checksum,omitempty"`
	Verify         bool     `toml:"verify,omitempty"`
}

type Storage struct {
	LRU     *LRU         `toml:"lru,omitempty"`
	Migrate *Migrate     `toml:"migrate,omitempty"`
	Cold    *ColdStorage `toml:"cold,omitempty"`
}

type Cache struct {
	NumCounters int64 `toml:"num_counters"`
	MaxCost     int64 `toml:"max_cost"`
	BufferItems int64 `toml:"buffer_items"`
}

// CDC configures the change capture pipeline.
type CDC struct {
	Disabled      bool     `toml:"disabled,omitempty"`
	Spool         string   `toml:"spool,omitempty"` // local sink directory; empty disables the spool sink
	MaxBufferSize int      `toml:"max_buffer_size,omitempty"`
	BatchSize     int      `toml:"batch_size,omitempty"`
	FlushInterval Duration `toml:"flush_interval,omitempty"`
	MaxRetries    int      `toml:"max_retries,omitempty"`
	RetryDelay    Duration `toml:"retry_delay,omitempty"`
	Backoff       float64  `toml:"backoff,omitempty"`
	Jitter        bool     `toml:"jitter,omitempty"`
	Columns       []string `toml:"columns,omitempty"`
}

// Webhook describes one outbound hook endpoint.
type Webhook struct {
	Endpoint string   `toml:"endpoint"`
	Secret   string   `toml:"secret,omitempty"`
	Points   []string `toml:"points"` // pre-receive, update, post-receive, post-update
	Timeout  Duration `toml:"timeout,omitempty"`
	Attempts int      `toml:"attempts,omitempty"`
	Delay    Duration `toml:"delay,omitempty"`
	Backoff  float64  `toml:"backoff,omitempty"`
}

func (w *Webhook) Decrypt(decryptedKey string) {
	if w == nil || len(decryptedKey) == 0 {
		return
	}
	if secret, err := Decrypt(w.Secret, decryptedKey); err == nil {
		w.Secret = secret
	}
}

// Hooks is the [hooks] section: the webhook table array feeding the
// hook registry.
type Hooks struct {
	Webhook []*Webhook `toml:"webhook,omitempty"`
}

func (h *Hooks) Decrypt(decryptedKey string) {
	if h == nil {
		return
	}
	for _, w := range h.Webhook {
		w.Decrypt(decryptedKey)
	}
}

// Register materializes the configured webhooks into reg. IDs derive
// from table position and point, "webhook-0:pre-receive".
func (h *Hooks) Register(reg *hook.Registry) error {
	if h == nil {
		return nil
	}
	for i, w := range h.Webhook {
		for _, ps := range w.Points {
			p, err := hook.ParsePoint(ps)
			if err != nil {
				return err
			}
			if err := reg.Register(hook.Hook{
				ID:      fmt.Sprintf("webhook-%d:%s", i, p),
				Point:   p,
				Timeout: w.Timeout.Duration,
				Webhook: &hook.Webhook{
					Endpoint: w.Endpoint,
					Secret:   w.Secret,
					Attempts: w.Attempts,
					Delay:    w.Delay.Duration,
					Backoff:  w.Backoff,
				},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Protect is the [protect] section: the rule table array plus an
// optional default applied to refs nothing matches.
type Protect struct {
	Default *protect.Rule  `toml:"default,omitempty"`
	Rule    []protect.Rule `toml:"rule,omitempty"`
}

// Engine compiles the configured rules.
func (p *Protect) Engine() (*protect.Engine, error) {
	if p == nil {
		return protect.NewEngine()
	}
	e, err := protect.NewEngine(p.Rule...)
	if err != nil {
		return nil, err
	}
	if p.Default != nil {
		if err := e.SetDefault(*p.Default); err != nil {
			return nil, err
		}
	}
	return e, nil
}

const (
	MiByte = 1 << 20
)

func NewExpandReader(file string, expandEnv bool) (io.ReadCloser, error) {
	fd, err := os.Open(strengthen.ExpandPath(file))
	if err != nil {
		return nil, err
	}
	if !expandEnv {
		return fd, err
	}
	defer fd.Close()
	buf, err := streamio.GrowReadMax(fd, 64*MiByte, 4096)
	if err != nil {
		return nil, err
	}
	b := strings.NewReader(os.ExpandEnv(string(buf)))
	return io.NopCloser(b), nil
}
