package engine

import (
	"context"
	"fmt"

	"strategy-engine/internal/strategy"
)

// Request is a closed set of admin operations. Only types in this file
// implement it.
type Request interface {
	isRequest()
}

// AddRequest registers a new strategy.
type AddRequest struct {
	Spec Spec
}

// RemoveRequest deregisters a strategy. Force closes an open position first.
type RemoveRequest struct {
	ID    string
	Force bool
}

// AdjustLengthRequest changes the Hull length.
type AdjustLengthRequest struct {
	ID     string
	Length int
}

// AdjustSizeRequest changes the quote amount per entry.
type AdjustSizeRequest struct {
	ID       string
	SizeUSDT float64
}

// AdjustLeverageRequest changes the leverage used for the asset.
type AdjustLeverageRequest struct {
	ID       string
	Leverage int
}

// ResumeRequest takes a strategy out of Errored.
type ResumeRequest struct {
	ID string
}

// ListRequest lists every strategy.
type ListRequest struct{}

func (AddRequest) isRequest()            {}
func (RemoveRequest) isRequest()         {}
func (AdjustLengthRequest) isRequest()   {}
func (AdjustSizeRequest) isRequest()     {}
func (AdjustLeverageRequest) isRequest() {}
func (ResumeRequest) isRequest()         {}
func (ListRequest) isRequest()           {}

// Response carries the result of a request. Only the fields relevant to
// the request are set.
type Response struct {
	ID         string             `json:"id,omitempty"`
	Strategy   *strategy.Summary  `json:"strategy,omitempty"`
	Strategies []strategy.Summary `json:"strategies,omitempty"`
	// Queued is set when a mutation waits for a pending order to settle.
	Queued bool `json:"queued,omitempty"`
	// ClosedPnL is the realized PnL of a force-close during removal.
	ClosedPnL *float64 `json:"closed_pnl,omitempty"`
}

// Handle dispatches req to the matching registry operation.
func (r *Registry) Handle(ctx context.Context, req Request) (Response, error) {
	switch q := req.(type) {
	case AddRequest:
		id, err := r.Add(ctx, q.Spec)
		if err != nil {
			return Response{}, err
		}
		sum, err := r.Get(ctx, id)
		return Response{ID: id, Strategy: &sum}, err
	case RemoveRequest:
		pnl, err := r.Remove(ctx, q.ID, q.Force)
		if err != nil {
			return Response{}, err
		}
		return Response{ID: q.ID, ClosedPnL: pnl}, nil
	case AdjustLengthRequest:
		return r.mutate(ctx, q.ID, strategy.Mutation{Kind: strategy.MutateLength, Int: q.Length})
	case AdjustSizeRequest:
		return r.mutate(ctx, q.ID, strategy.Mutation{Kind: strategy.MutateSize, Float: q.SizeUSDT})
	case AdjustLeverageRequest:
		return r.mutate(ctx, q.ID, strategy.Mutation{Kind: strategy.MutateLeverage, Int: q.Leverage})
	case ResumeRequest:
		if err := r.Resume(ctx, q.ID); err != nil {
			return Response{}, err
		}
		sum, err := r.Get(ctx, q.ID)
		return Response{ID: q.ID, Strategy: &sum}, err
	case ListRequest:
		return Response{Strategies: r.List()}, nil
	case nil:
		return Response{}, fmt.Errorf("%w: empty request", ErrInvalidParameter)
	}
	return Response{}, fmt.Errorf("%w: unsupported request %T", ErrInvalidParameter, req)
}
