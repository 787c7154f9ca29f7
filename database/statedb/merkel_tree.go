package statedb

import (
	"sort"

	"zkrollup-operator/common"

	"github.com/iden3/go-merkletree"
)

// MTGetProof returns the CircomVerifierProof for a given AccountID
func (s *StateDB) MTGetProof(id common.AccountID) (*merkletree.CircomVerifierProof, error) {
	if s.AccountTree == nil {
		return nil, common.Wrap(ErrStateDBWithoutMT)
	}
	p, err := s.AccountTree.GenerateSCVerifierProof(id.BigInt(), s.AccountTree.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

func sortAccountIDs(ids []common.AccountID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
