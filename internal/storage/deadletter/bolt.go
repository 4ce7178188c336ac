package deadletter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ChuLiYu/actorq/internal/codec"
	"github.com/ChuLiYu/actorq/pkg/types"
)

const (
	bucketPrefix = "dead:"
	// sequenceBucket hands out one arrival sequence shared by every queue,
	// so keys order dead letters across buckets as well as within one.
	sequenceBucket = "sequence"
)

// Options configures a Bolt sink.
type Options struct {
	Logger *slog.Logger
	Path   string
	Codec  codec.Codec
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		Path:   "actorq-dead.db",
		Codec:  codec.JSON{},
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.Path) > 0 {
		def.Path = opts.Path
	}
	if opts.Codec != nil {
		def.Codec = opts.Codec
	}
	return def
}

// Bolt persists dead letters in a bbolt file, one bucket per queue, keyed by
// a global big-endian arrival sequence.
type Bolt struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	logger *slog.Logger
	codec  codec.Codec
}

// NewBolt opens (or creates) the dead-letter database at opts.Path.
func NewBolt(o *Options) (*Bolt, error) {
	opts := buildOptions(o)

	db, err := bbolt.Open(opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		opts.Logger.
			With("err", err).
			With("path", opts.Path).
			Error("failed to open dead-letter database")
		return nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}

	return &Bolt{db: db, logger: opts.Logger, codec: opts.Codec}, nil
}

func (b *Bolt) handle() (*bbolt.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrClosed
	}
	return b.db, nil
}

func (b *Bolt) Put(msg *types.Message) error {
	db, err := b.handle()
	if err != nil {
		return err
	}

	data, err := b.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketPrefix + msg.QueueName))
		if err != nil {
			return fmt.Errorf("failed to create dead-letter bucket: %w", err)
		}

		counter, err := tx.CreateBucketIfNotExists([]byte(sequenceBucket))
		if err != nil {
			return fmt.Errorf("failed to create sequence bucket: %w", err)
		}
		seq, err := counter.NextSequence()
		if err != nil {
			return err
		}

		return bucket.Put(sequenceKey(seq), data)
	})
	if err != nil {
		b.logger.
			With("err", err).
			With("message_id", msg.MessageID).
			Error("failed to store dead letter")
		return err
	}
	return nil
}

func (b *Bolt) List(queue string) ([]*types.Message, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}

	type record struct {
		key []byte
		msg *types.Message
	}

	var records []record
	err = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if !strings.HasPrefix(string(name), bucketPrefix) {
				return nil
			}
			if queue != "" && string(name) != bucketPrefix+queue {
				return nil
			}

			return bucket.ForEach(func(k, v []byte) error {
				msg, err := b.codec.Decode(v)
				if err != nil {
					return err
				}
				// Keys are only valid for the life of the transaction
				records = append(records, record{key: bytes.Clone(k), msg: msg})
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	// Buckets are walked by name; restore arrival order across queues
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].key, records[j].key) < 0
	})

	out := make([]*types.Message, 0, len(records))
	for _, r := range records {
		out = append(out, r.msg)
	}
	return out, nil
}

func (b *Bolt) Len() int {
	db, err := b.handle()
	if err != nil {
		return 0
	}

	n := 0
	_ = db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if strings.HasPrefix(string(name), bucketPrefix) {
				n += bucket.Stats().KeyN
			}
			return nil
		})
	})
	return n
}

func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func sequenceKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), seq)
}
