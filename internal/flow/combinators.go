package flow

import (
	"context"
	"fmt"
	"regexp"

	"github.com/strandbio/strand/internal/ctxlog"
	"github.com/strandbio/strand/internal/item"
)

// MapFn is a pure per-item transform applied by Map.
type MapFn func(item.Item) (item.Item, error)

// Map applies fn to each item as it passes, preserving order and buffering
// at most one item. The output closes when the input is exhausted.
func Map(ctx context.Context, in *Reader, out *Queue, fn MapFn) error {
	defer out.Close()
	for {
		it, ok, err := in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		mapped, err := fn(it)
		if err != nil {
			return err
		}
		if err := out.Send(mapped); err != nil {
			return err
		}
	}
}

// RekeyFn returns a MapFn that re-derives an item's correlation key by
// applying re to the current key (or, for file items with an empty key, the
// file's logical name) and taking the first capture group.
func RekeyFn(re *regexp.Regexp) MapFn {
	return func(it item.Item) (item.Item, error) {
		subject := it.Key()
		if subject == "" && it.Kind() == item.KindFile {
			subject = it.File().Name
		}
		m := re.FindStringSubmatch(subject)
		if len(m) < 2 {
			return item.Item{}, fmt.Errorf("rekey pattern %q matched no capture group in %q", re, subject)
		}
		return it.WithKey(m[1]), nil
	}
}

// SelectFn returns a MapFn that projects the given tuple element indices,
// producing a narrower tuple (or the bare element when one index is given).
func SelectFn(indices []int) MapFn {
	return func(it item.Item) (item.Item, error) {
		if len(indices) == 1 {
			e, err := it.At(indices[0])
			if err != nil {
				return item.Item{}, err
			}
			return e.WithKey(it.Key()), nil
		}
		elems := make([]item.Item, 0, len(indices))
		for _, i := range indices {
			e, err := it.At(i)
			if err != nil {
				return item.Item{}, err
			}
			elems = append(elems, e)
		}
		return item.Tuple(it.Key(), elems...), nil
	}
}

// GroupByKey buffers every input item by correlation key until the source
// closes, then emits one tuple item per key containing that key's items in
// arrival order. Groups are emitted in order of each key's first appearance.
// An empty input closes the output with zero groups.
func GroupByKey(ctx context.Context, in *Reader, out *Queue) error {
	defer out.Close()

	groups := make(map[string][]item.Item)
	var order []string
	for {
		it, ok, err := in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key := it.Key()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	for _, key := range order {
		if err := out.Send(item.Tuple(key, groups[key]...)); err != nil {
			return err
		}
	}
	return nil
}

// JoinByKey reads both sides to completion and emits one 2-tuple per key
// present on both sides, ordered by the key's first appearance on the left.
// Keys present on only one side are dropped silently; that is the intended
// lossy intersection, not an outer join. When a key occurs more than once on
// a side, the first arrival pairs and a warning is logged.
func JoinByKey(ctx context.Context, left, right *Reader, out *Queue) error {
	defer out.Close()
	logger := ctxlog.FromContext(ctx)

	leftItems, leftOrder, err := collectByKey(ctx, left)
	if err != nil {
		return err
	}
	rightItems, _, err := collectByKey(ctx, right)
	if err != nil {
		return err
	}

	for _, key := range leftOrder {
		r, matched := rightItems[key]
		if !matched {
			continue
		}
		l := leftItems[key]
		if len(l) > 1 || len(r) > 1 {
			logger.Warn("Ambiguous join key, pairing first arrivals.",
				"key", key, "left_count", len(l), "right_count", len(r))
		}
		if err := out.Send(item.Tuple(key, l[0], r[0])); err != nil {
			return err
		}
	}
	return nil
}

func collectByKey(ctx context.Context, in *Reader) (map[string][]item.Item, []string, error) {
	byKey := make(map[string][]item.Item)
	var order []string
	for {
		it, ok, err := in.Next(ctx)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return byKey, order, nil
		}
		key := it.Key()
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], it)
	}
}

// FanOut replicates the input stream to every output queue, so each
// downstream consumer reads its own full, identically ordered copy. All
// outputs close when the input is exhausted.
func FanOut(ctx context.Context, in *Reader, outs ...*Queue) error {
	defer func() {
		for _, out := range outs {
			out.Close()
		}
	}()
	for {
		it, ok, err := in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, out := range outs {
			if err := out.Send(it); err != nil {
				return err
			}
		}
	}
}
