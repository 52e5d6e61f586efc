// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"strconv"
	"strings"
	"time"

	"quotely/internal/reactions/cache"
	"quotely/internal/reactions/errs"
	"quotely/internal/reactions/persistence"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ItemQuery selects a page of an item's reactions.
type ItemQuery struct {
	ItemID string
	Type   string // optional filter
	Cursor string // NextCursor of the previous page
	Limit  int
}

// ReactionView is one actor's reaction as returned by queries.
type ReactionView struct {
	ActorID   string    `msgpack:"actorId"`
	Type      string    `msgpack:"type"`
	CreatedAt time.Time `msgpack:"createdAt"`
}

// ItemPage is the response of ItemReactions.
type ItemPage struct {
	ItemID     string           `msgpack:"itemId"`
	Total      int64            `msgpack:"total"`
	Breakdown  map[string]int64 `msgpack:"breakdown"`
	Reactions  []ReactionView   `msgpack:"reactions"`
	HasMore    bool             `msgpack:"hasMore"`
	NextCursor string           `msgpack:"nextCursor"`
}

// ItemReactions returns the item's counters and a page of reactions, newest
// first. Counts come from the breakdown cache and may briefly lead the
// listed reactions, which come from the system of record.
func (c *Coordinator) ItemReactions(ctx context.Context, q ItemQuery) (ItemPage, error) {
	if c.deps.Records == nil {
		return ItemPage{}, errs.Invalid("coordinator", "item queries need a system of record")
	}
	if q.ItemID == "" {
		return ItemPage{}, errs.Invalid("coordinator", "item id required")
	}
	if q.Type != "" {
		if _, ok := c.allowed[q.Type]; !ok {
			return ItemPage{}, errs.Invalid("coordinator", "unknown reaction type "+q.Type)
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	var (
		before   time.Time
		beforeID string
	)
	if q.Cursor != "" {
		us, id, _ := strings.Cut(q.Cursor, "_")
		n, err := strconv.ParseInt(us, 10, 64)
		if err != nil || n <= 0 {
			return ItemPage{}, errs.Invalid("coordinator", "malformed cursor")
		}
		before, beforeID = time.UnixMicro(n), id
	}

	cacheable := c.deps.Pages != nil && q.Type == "" && q.Cursor == "" && limit == defaultPageSize
	key := cache.FirstPageKey(q.ItemID)
	if cacheable {
		var page ItemPage
		ok, err := c.deps.Pages.Get(ctx, key, &page)
		if err != nil {
			c.logger.Warn("page cache read failed", "item_id", q.ItemID, "error", err)
		}
		if ok {
			return page, nil
		}
	}

	b, err := c.deps.Counters.GetBreakdown(ctx, q.ItemID)
	if err != nil {
		return ItemPage{}, transient("read breakdown", err)
	}
	recs, err := c.deps.Records.List(ctx, persistence.Query{ItemID: q.ItemID, Type: q.Type, Before: before, BeforeID: beforeID, Limit: limit + 1})
	if err != nil {
		return ItemPage{}, transient("list reactions", err)
	}

	page := ItemPage{ItemID: q.ItemID, Total: b.Total, Breakdown: b.Counts, Reactions: make([]ReactionView, 0, min(len(recs), limit))}
	if len(recs) > limit {
		page.HasMore = true
		recs = recs[:limit]
	}
	for _, r := range recs {
		page.Reactions = append(page.Reactions, ReactionView{ActorID: r.ActorID, Type: r.Type, CreatedAt: r.CreatedAt})
	}
	if page.HasMore {
		last := recs[len(recs)-1]
		page.NextCursor = strconv.FormatInt(last.CreatedAt.UnixMicro(), 10) + "_" + last.ID
	}

	if cacheable {
		if err := c.deps.Pages.Set(ctx, key, page); err != nil {
			c.logger.Warn("page cache write failed", "item_id", q.ItemID, "error", err)
		}
	}
	return page, nil
}
