package settlement

import (
	"context"
	"fmt"

	"github.com/tonkeeper/tongo/liteapi"
	"github.com/tonkeeper/tongo/tlb"
	"github.com/tonkeeper/tongo/ton"
	"github.com/tonkeeper/tongo/wallet"
)

// TonWallet is the ChainWallet backed by a TON liteserver connection.
type TonWallet struct {
	wallet wallet.Wallet
}

// NewTonWallet connects to mainnet liteservers and derives the settlement
// wallet from its seed phrase.
func NewTonWallet(seed string) (*TonWallet, error) {
	client, err := liteapi.NewClient(liteapi.Mainnet())
	if err != nil {
		return nil, fmt.Errorf("connect liteservers: %w", err)
	}

	w, err := wallet.DefaultWalletFromSeed(seed, client)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}

	return &TonWallet{wallet: w}, nil
}

// Balance returns the wallet's on-chain balance in nanoTON.
func (t *TonWallet) Balance(ctx context.Context) (int64, error) {
	balance, err := t.wallet.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return int64(balance), nil
}

// Send submits a simple transfer carrying the marketplace payload as the
// message comment.
func (t *TonWallet) Send(ctx context.Context, to string, amount int64, payload string) error {
	recipient, err := ton.ParseAccountID(to)
	if err != nil {
		return fmt.Errorf("parse settlement address: %w", err)
	}

	transfer := wallet.SimpleTransfer{
		Amount:  tlb.Grams(amount),
		Address: recipient,
		Comment: payload,
	}

	return t.wallet.Send(ctx, transfer)
}
