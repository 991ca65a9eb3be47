package devprovider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const challengeRecordVersionV1 = 1

var (
	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeExpired          = errors.New("challenge expired")
	ErrChallengeCodeMismatch     = errors.New("challenge code mismatch")
	ErrChallengeAttemptsExceeded = errors.New("challenge attempts exceeded")
	ErrChallengeRedisUnavailable = errors.New("challenge redis unavailable")
)

// consumeChallengeLua atomically performs GET, validate and DEL/SET on a
// challenge record.
// KEYS[1] = record key
// ARGV[1] = provided hash (32 bytes)
// ARGV[2] = max attempts
// ARGV[3] = current unix timestamp
//
// Returns the record bytes on success, or an error string: "not_found",
// "expired", "attempts_exceeded", "code_mismatch".
var consumeChallengeLua = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return {err='not_found'}
end

local providedHash = ARGV[1]
local maxAttempts = tonumber(ARGV[2])
local nowUnix = tonumber(ARGV[3])

-- version(1) attempts(2) expiresAt(8) targetLen(2) target hash(32)
local version = string.byte(data, 1)
if version ~= 1 then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = string.byte(data, 2) * 256 + string.byte(data, 3)

local e0,e1,e2,e3,e4,e5,e6,e7 = string.byte(data, 4, 11)
local expiresAt = e0
for _, b in ipairs({e1,e2,e3,e4,e5,e6,e7}) do
  expiresAt = expiresAt * 256 + b
end

if nowUnix > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

local targetLen = string.byte(data, 12) * 256 + string.byte(data, 13)
local hashOffset = 14 + targetLen
local storedHash = string.sub(data, hashOffset, hashOffset + 31)

if storedHash ~= providedHash then
  attempts = attempts + 1
  if attempts >= maxAttempts then
    redis.call('DEL', KEYS[1])
    return {err='attempts_exceeded'}
  end
  local newData = string.sub(data, 1, 1) .. string.char(math.floor(attempts / 256), attempts % 256) .. string.sub(data, 4)
  local ttlMs = redis.call('PTTL', KEYS[1])
  if ttlMs <= 0 then
    redis.call('DEL', KEYS[1])
    return {err='expired'}
  end
  redis.call('SET', KEYS[1], newData, 'PX', ttlMs)
  return {err='code_mismatch'}
end

redis.call('DEL', KEYS[1])
return data
`)

// ChallengeRecord is one outstanding challenge.
type ChallengeRecord struct {
	Target    string
	CodeHash  [32]byte
	ExpiresAt int64
	Attempts  uint16
}

// ChallengeStore persists challenge records keyed by handle.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewChallengeStore returns a ChallengeStore. An empty prefix defaults to
// "afc".
func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	if prefix == "" {
		prefix = "afc"
	}
	return &ChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *ChallengeStore) key(handle string) string {
	return s.prefix + ":" + handle
}

// Save writes record under handle with the given TTL.
func (s *ChallengeStore) Save(ctx context.Context, handle string, record *ChallengeRecord, ttl time.Duration) error {
	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(handle), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeRedisUnavailable, err)
	}
	return nil
}

// Delete removes a record. Missing records are not an error.
func (s *ChallengeStore) Delete(ctx context.Context, handle string) error {
	if err := s.redis.Del(ctx, s.key(handle)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeRedisUnavailable, err)
	}
	return nil
}

// Consume checks providedHash against the record for handle. A match
// deletes the record and returns it. A mismatch counts an attempt; the
// record is deleted once maxAttempts is reached.
func (s *ChallengeStore) Consume(ctx context.Context, handle string, providedHash [32]byte, maxAttempts int, now time.Time) (*ChallengeRecord, error) {
	result, err := consumeChallengeLua.Run(ctx, s.redis,
		[]string{s.key(handle)},
		string(providedHash[:]),
		maxAttempts,
		now.Unix(),
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, ErrChallengeNotFound
		case "expired":
			return nil, ErrChallengeExpired
		case "attempts_exceeded":
			return nil, ErrChallengeAttemptsExceeded
		case "code_mismatch":
			return nil, ErrChallengeCodeMismatch
		default:
			return nil, fmt.Errorf("%w: %v", ErrChallengeRedisUnavailable, err)
		}
	}

	data, ok := result.(string)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected lua result type", ErrChallengeRedisUnavailable)
	}
	record, err := decodeChallengeRecord([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeRedisUnavailable, err)
	}

	// Lua string comparison is not constant-time.
	if subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) != 1 {
		return nil, ErrChallengeCodeMismatch
	}
	return record, nil
}

func encodeChallengeRecord(record *ChallengeRecord) ([]byte, error) {
	if len(record.Target) > 65535 {
		return nil, errors.New("challenge target too long")
	}
	var buf bytes.Buffer
	buf.WriteByte(challengeRecordVersionV1)
	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.Target))); err != nil {
		return nil, err
	}
	buf.WriteString(record.Target)
	buf.Write(record.CodeHash[:])
	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*ChallengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &ChallengeRecord{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	var targetLen uint16
	if err := binary.Read(reader, binary.BigEndian, &targetLen); err != nil {
		return nil, err
	}
	target := make([]byte, targetLen)
	if _, err := io.ReadFull(reader, target); err != nil {
		return nil, err
	}
	record.Target = string(target)
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	return record, nil
}
