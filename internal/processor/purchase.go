package processor

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/entity"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/ledger/repo"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/purchase"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

// purchases are always paid from the naira wallet
const purchaseCurrency = "NGN"

var ErrPurchaseDeclined = apperr.New(apperr.KindExternalService, "purchase declined by provider")

type PurchaseResult struct {
	Tx       *entity.Transaction
	Provider purchase.Result
}

// Purchase debits the NGN wallet before calling the provider. A provider
// decline or failure refunds the hold and rejects the row; success burns it.
func (p *Processor) Purchase(ctx context.Context, accountID int64, req purchase.Request) (*PurchaseResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	_, cost, err := normalize(purchaseCurrency, req.Cost())
	if err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		req.RequestID = utilities.NewRequestID("vtu")
	}

	t := &entity.Transaction{
		AccountID: accountID,
		Type:      entity.TxPurchase,
		Currency:  purchaseCurrency,
		Amount:    cost.Neg(),
		Status:    entity.StatusPending,
		Reference: req.RequestID,
		Details: details(map[string]any{
			"kind": req.Kind, "service_id": req.ServiceID, "phone": req.Phone,
			"customer_id": req.CustomerID, "variation_id": req.Variation, "quantity": req.Quantity,
		}),
	}
	err = p.store.WithTx(ctx, func(tx repo.Tx) error {
		if _, err := lockActive(ctx, tx, accountID); err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, accountID, purchaseCurrency)
		if err != nil {
			return err
		}
		if err := hold(ctx, tx, w, cost); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	res, callErr := p.vtu.Purchase(ctx, req)
	success := callErr == nil && res.Success
	if success && res.Reference != "" {
		t.Reference = res.Reference
	}
	if !success && res.Reason != "" {
		t.Reference = req.RequestID + ": " + res.Reason
	}

	// settle even if the caller gave up waiting
	settleCtx := context.WithoutCancel(ctx)
	err = p.store.WithTx(settleCtx, func(tx repo.Tx) error {
		cur, err := tx.LockTransaction(settleCtx, t.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return apperr.New(apperr.KindAlreadyProcessed, "purchase already settled")
		}
		if _, err := Release(settleCtx, tx, cur, success); err != nil {
			return err
		}
		cur.Status = entity.StatusRejected
		if success {
			cur.Status = entity.StatusCompleted
		}
		cur.Reference = t.Reference
		if err := tx.UpdateTransaction(settleCtx, cur); err != nil {
			return err
		}
		*t = *cur
		return nil
	})
	if err != nil {
		// the row stays pending with funds locked; an admin settles it
		p.logger.Errorw("purchase settlement failed", "tx_id", t.ID, "request_id", req.RequestID, "provider_ok", success, "error", err)
		return nil, err
	}

	out := &PurchaseResult{Tx: t, Provider: res}
	switch {
	case callErr != nil:
		p.logger.Warnw("purchase refunded after provider failure", "tx_id", t.ID, "request_id", req.RequestID, "error", callErr)
		if errors.Is(callErr, apperr.ErrExternalService) {
			return out, callErr
		}
		return out, apperr.External("purchase service unavailable", callErr)
	case !res.Success:
		p.logger.Warnw("purchase refunded after decline", "tx_id", t.ID, "request_id", req.RequestID, "reason", res.Reason)
		return out, apperr.Wrap(apperr.KindExternalService, ErrPurchaseDeclined.Msg+": "+res.Reason, ErrPurchaseDeclined)
	}
	p.logger.Infow("purchase completed", "tx_id", t.ID, "kind", req.Kind, "cost", cost.String(), "reference", t.Reference)
	return out, nil
}
