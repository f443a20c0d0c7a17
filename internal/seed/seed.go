// Package seed materializes the pipeline's seed channels: literal values,
// single files, file globs, and paired read files discovered by the {1,2}
// mate convention. Seeds are resolved once, before graph execution starts,
// so malformed patterns surface as build-time errors.
package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/item"
	"github.com/strandbio/strand/internal/pipeline"
)

// Resolve turns every seed declaration into its channel's initial items,
// keyed by channel name. Item order within a channel is deterministic:
// declaration order for values, sorted path order for globs, sorted key
// order for pairs.
func Resolve(ctx context.Context, seeds []*pipeline.Seed) (map[string][]item.Item, error) {
	logger := ctxlog.FromContext(ctx)
	out := make(map[string][]item.Item, len(seeds))

	for _, s := range seeds {
		items, err := resolveOne(s)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", s.Channel, err)
		}
		if len(items) == 0 {
			// A typo'd glob would otherwise yield a run that succeeds
			// having done nothing.
			logger.Warn("Seed channel resolved to zero items; downstream stages will have nothing to do.",
				"channel", s.Channel)
		} else {
			logger.Debug("Seed channel resolved.", "channel", s.Channel, "items", len(items))
		}
		out[s.Channel] = items
	}
	return out, nil
}

func resolveOne(s *pipeline.Seed) ([]item.Item, error) {
	switch s.Kind {
	case pipeline.SeedFile:
		return []item.Item{item.File("", s.Path)}, nil

	case pipeline.SeedValues:
		// The literal doubles as the correlation key, so per-value task
		// instances stay traceable downstream.
		items := make([]item.Item, 0, len(s.Values))
		for _, v := range s.Values {
			items = append(items, item.Scalar(v, v))
		}
		return items, nil

	case pipeline.SeedFiles:
		matches, err := filepath.Glob(s.Glob)
		if err != nil {
			return nil, fmt.Errorf("malformed glob %q: %w", s.Glob, err)
		}
		sort.Strings(matches)
		items := make([]item.Item, 0, len(matches))
		for _, m := range matches {
			items = append(items, item.File("", m))
		}
		return items, nil

	case pipeline.SeedPairs:
		return resolvePairs(s.PairGlob)

	default:
		return nil, fmt.Errorf("unknown seed kind %d", s.Kind)
	}
}

// resolvePairs discovers mate file pairs from a pattern containing the
// {1,2} alternation marker, e.g. "reads/*_{1,2}.fastq.gz". The wildcard
// captures form the shared pair key, and every key must have both mates.
// Each pair becomes one 2-tuple item carrying the key.
func resolvePairs(pattern string) ([]item.Item, error) {
	if strings.Count(pattern, "{1,2}") != 1 {
		return nil, fmt.Errorf("pairs pattern %q must contain the {1,2} marker exactly once", pattern)
	}

	keyRe, err := globKeyRegexp(pattern)
	if err != nil {
		return nil, err
	}

	mates := [2]map[string]string{}
	for i, mate := range []string{"1", "2"} {
		glob := strings.Replace(pattern, "{1,2}", mate, 1)
		matches, err := filepath.Glob(glob)
		if err != nil {
			return nil, fmt.Errorf("malformed glob %q: %w", glob, err)
		}
		mates[i] = make(map[string]string, len(matches))
		for _, path := range matches {
			key, ok := pairKey(keyRe, path)
			if !ok {
				// Glob and derived regexp disagree; treat as unpairable.
				return nil, fmt.Errorf("cannot derive pair key from %q with pattern %q", path, pattern)
			}
			if prev, dup := mates[i][key]; dup {
				return nil, fmt.Errorf("pair key %q is ambiguous: both %q and %q match mate %s", key, prev, path, mate)
			}
			mates[i][key] = path
		}
	}

	keys := make([]string, 0, len(mates[0]))
	for key := range mates[0] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var items []item.Item
	for _, key := range keys {
		first := mates[0][key]
		second, ok := mates[1][key]
		if !ok {
			return nil, fmt.Errorf("read pair %q is incomplete: found %q but no mate 2", key, first)
		}
		delete(mates[1], key)
		items = append(items, item.Tuple(key, item.File(key, first), item.File(key, second)))
	}
	for key, path := range mates[1] {
		return nil, fmt.Errorf("read pair %q is incomplete: found %q but no mate 1", key, path)
	}
	return items, nil
}

// globKeyRegexp compiles the pair pattern into a regexp whose capture groups
// cover its wildcards; the concatenated captures are the pair key.
func globKeyRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	rest := pattern
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, "{1,2}"):
			b.WriteString("[12]")
			rest = rest[len("{1,2}"):]
		case rest[0] == '*':
			b.WriteString(`([^/]*)`)
			rest = rest[1:]
		case rest[0] == '?':
			b.WriteString(`([^/])`)
			rest = rest[1:]
		default:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			rest = rest[1:]
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("malformed pairs pattern %q: %w", pattern, err)
	}
	if re.NumSubexp() == 0 {
		return nil, fmt.Errorf("pairs pattern %q has no wildcard to derive the pair key from", pattern)
	}
	return re, nil
}

func pairKey(re *regexp.Regexp, path string) (string, bool) {
	m := re.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return strings.Join(m[1:], "_"), true
}
