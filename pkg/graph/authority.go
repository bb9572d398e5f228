package graph

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/evidence-core/pkg/models"
)

// maxAuthorityDepth bounds the grant chain walk. Real delegation chains
// are short; anything deeper is a data problem, not a longer chain.
const maxAuthorityDepth = 8

// AuthorityPath answers "could grantee act for grantor at time asOf",
// following chains of active grants (A grants B, B grants C). Returns
// the grant chain from grantor to grantee, or nil when no path exists.
func (s *Store) AuthorityPath(ctx context.Context, grantorID, granteeID uuid.UUID, asOf time.Time) ([]models.AuthorityGrant, error) {
	if grantorID == granteeID {
		return nil, nil
	}

	var grants []models.AuthorityGrant
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&grants).Error
	if err != nil {
		return nil, err
	}

	// Adjacency over grants valid at asOf.
	outgoing := make(map[uuid.UUID][]*models.AuthorityGrant)
	for i := range grants {
		g := &grants[i]
		if !g.ActiveAt(asOf) {
			continue
		}
		outgoing[g.GrantorEntityID] = append(outgoing[g.GrantorEntityID], g)
	}

	// BFS from the grantor, shortest chain wins.
	visited := map[uuid.UUID]bool{grantorID: true}
	queue := []*node{{entity: grantorID}}
	depth := 0

	for len(queue) > 0 && depth < maxAuthorityDepth {
		var next []*node
		for _, cur := range queue {
			for _, g := range outgoing[cur.entity] {
				if visited[g.GranteeEntityID] {
					continue
				}
				child := &node{entity: g.GranteeEntityID, via: g, parent: cur}
				if g.GranteeEntityID == granteeID {
					return chainFrom(child), nil
				}
				visited[g.GranteeEntityID] = true
				next = append(next, child)
			}
		}
		queue = next
		depth++
	}
	return nil, nil
}

func chainFrom(n *node) []models.AuthorityGrant {
	var rev []models.AuthorityGrant
	for cur := n; cur != nil && cur.via != nil; cur = cur.parent {
		rev = append(rev, *cur.via)
	}
	chain := make([]models.AuthorityGrant, len(rev))
	for i := range rev {
		chain[len(rev)-1-i] = rev[i]
	}
	return chain
}

// node is the BFS bookkeeping for AuthorityPath.
type node struct {
	entity uuid.UUID
	via    *models.AuthorityGrant
	parent *node
}
