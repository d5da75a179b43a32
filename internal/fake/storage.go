// Package fake provides in-memory stand-ins for object storage and the SaaS
// APIs. They record every call so tests can assert on remote traffic.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/arencloud/disturbancemonitor/internal/s3"
)

type bucket struct {
	objects map[string][]byte
	policy  string
}

// Storage implements the object store surface with s3 sentinel errors.
type Storage struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   []string
	fail    map[string]error
}

func NewStorage() *Storage {
	return &Storage{buckets: map[string]*bucket{}, fail: map[string]error{}}
}

// Fail makes every later call of op return err until cleared with a nil err.
func (s *Storage) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Storage) enter(op, target string) error {
	s.calls = append(s.calls, op+" "+target)
	return s.fail[op]
}

// Calls returns "<op> <target>" entries in call order.
func (s *Storage) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Storage) HasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	return ok
}

// Keys lists the objects of a bucket, sorted.
func (s *Storage) Keys(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Storage) Policy(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b.policy
	}
	return ""
}

// Seed creates a bucket with objects outside the recorded traffic.
func (s *Storage) Seed(name string, objects map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		b = &bucket{objects: map[string][]byte{}}
		s.buckets[name] = b
	}
	for k, v := range objects {
		b.objects[k] = v
	}
}

func (s *Storage) CreateBucket(ctx context.Context, name, region string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateBucket", name); err != nil {
		return err
	}
	if _, ok := s.buckets[name]; ok {
		return fmt.Errorf("%w: %s", s3.ErrBucketOwned, name)
	}
	s.buckets[name] = &bucket{objects: map[string][]byte{}}
	return nil
}

func (s *Storage) BucketPolicy(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("BucketPolicy", name); err != nil {
		return "", err
	}
	b, ok := s.buckets[name]
	if !ok {
		return "", s3.ErrNoSuchBucket
	}
	if b.policy == "" {
		return "", s3.ErrNoSuchPolicy
	}
	return b.policy, nil
}

func (s *Storage) SetBucketPolicy(ctx context.Context, name, policy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetBucketPolicy", name); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return s3.ErrNoSuchBucket
	}
	b.policy = policy
	return nil
}

func (s *Storage) PutObject(ctx context.Context, name, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PutObject", name+"/"+key); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return s3.ErrNoSuchBucket
	}
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *Storage) GetObject(ctx context.Context, name, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetObject", name+"/"+key); err != nil {
		return nil, err
	}
	b, ok := s.buckets[name]
	if !ok {
		return nil, s3.ErrNoSuchBucket
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", s3.ErrNoSuchKey, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *Storage) CopyObject(ctx context.Context, name, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CopyObject", name+"/"+srcKey); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return s3.ErrNoSuchBucket
	}
	data, ok := b.objects[srcKey]
	if !ok {
		return s3.ErrNoSuchKey
	}
	b.objects[dstKey] = data
	return nil
}

func (s *Storage) ListKeys(ctx context.Context, name, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListKeys", name+"/"+prefix); err != nil {
		return nil, err
	}
	b, ok := s.buckets[name]
	if !ok {
		return nil, s3.ErrNoSuchBucket
	}
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Storage) RemovePrefix(ctx context.Context, name, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RemovePrefix", name+"/"+prefix); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return s3.ErrNoSuchBucket
	}
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			delete(b.objects, k)
		}
	}
	return nil
}

func (s *Storage) RemoveBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RemoveBucket", name); err != nil {
		return err
	}
	b, ok := s.buckets[name]
	if !ok {
		return s3.ErrNoSuchBucket
	}
	if len(b.objects) > 0 {
		return s3.ErrBucketNotEmpty
	}
	delete(s.buckets, name)
	return nil
}
