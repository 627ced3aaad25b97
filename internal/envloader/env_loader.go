// Package envloader batches per-request environment feature loads so several
// environments resolve through one row source query.
package envloader

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/graph-gophers/dataloader"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/rpattn/flagstate/internal/domain"
)

// Fetcher aggregates features for several environments at once.
type Fetcher interface {
	GetFeaturesByEnvironment(ctx context.Context, query domain.FeatureQuery, environments []string) (domain.EnvironmentFeatures, error)
}

// envKey identifies one environment under one query.
type envKey struct {
	env         string
	query       domain.FeatureQuery
	fingerprint string
}

func (k envKey) String() string { return k.fingerprint + "|" + k.env }

func (k envKey) Raw() interface{} { return k }

func newEnvKey(query domain.FeatureQuery, env string) (envKey, error) {
	query = query.Normalized()
	query.Environment = ""
	hash, err := hashstructure.Hash(query, hashstructure.FormatV2, nil)
	if err != nil {
		return envKey{}, fmt.Errorf("hash feature query: %w", err)
	}
	return envKey{env: env, query: query, fingerprint: strconv.FormatUint(hash, 16)}, nil
}

type EnvironmentLoader struct {
	Loader *dataloader.Loader
}

// NewEnvironmentLoader creates a loader scoped to one request.
func NewEnvironmentLoader(fetcher Fetcher) *EnvironmentLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		// Keys sharing a query fingerprint are fetched together.
		groups := make(map[string][]int)
		var order []string
		for i, key := range keys {
			k, ok := key.Raw().(envKey)
			if !ok {
				results[i] = &dataloader.Result{Error: fmt.Errorf("unexpected key type %T", key.Raw())}
				continue
			}
			if _, seen := groups[k.fingerprint]; !seen {
				order = append(order, k.fingerprint)
			}
			groups[k.fingerprint] = append(groups[k.fingerprint], i)
		}

		for _, fingerprint := range order {
			indexes := groups[fingerprint]
			query := keys[indexes[0]].Raw().(envKey).query

			envs := make([]string, 0, len(indexes))
			for _, idx := range indexes {
				envs = append(envs, keys[idx].Raw().(envKey).env)
			}
			sort.Strings(envs)

			features, err := fetcher.GetFeaturesByEnvironment(ctx, query, envs)
			for _, idx := range indexes {
				if err != nil {
					results[idx] = &dataloader.Result{Error: err}
					continue
				}
				results[idx] = &dataloader.Result{Data: features.Environment(keys[idx].Raw().(envKey).env)}
			}
		}

		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))

	return &EnvironmentLoader{Loader: loader}
}

// LoadMany resolves several environments in one batch.
func (l *EnvironmentLoader) LoadMany(ctx context.Context, query domain.FeatureQuery, envs []string) (domain.EnvironmentFeatures, error) {
	keys := make(dataloader.Keys, 0, len(envs))
	for _, env := range envs {
		key, err := newEnvKey(query, env)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	values, errs := l.Loader.LoadMany(ctx, keys)()
	out := make(domain.EnvironmentFeatures, len(envs))
	for i, env := range envs {
		if i < len(errs) && errs[i] != nil {
			return nil, fmt.Errorf("load environment %s: %w", env, errs[i])
		}
		out[env] = values[i].(domain.FeatureSet)
	}
	return out, nil
}

type ctxKey string

const environmentLoaderKey ctxKey = "environmentLoader"

// WithLoader stores loader on ctx.
func WithLoader(ctx context.Context, loader *EnvironmentLoader) context.Context {
	return context.WithValue(ctx, environmentLoaderKey, loader)
}

// FromContext retrieves the request's loader, nil when none is attached.
func FromContext(ctx context.Context) *EnvironmentLoader {
	if l, ok := ctx.Value(environmentLoaderKey).(*EnvironmentLoader); ok {
		return l
	}
	return nil
}
