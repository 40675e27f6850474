// Package eth submits Merkle roots to the anchoring contract with
// EIP-1559 dynamic fees and a bounded retry state machine.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-cas/internal/config"
	"github.com/ceramicnetwork/go-cas/internal/models"
	apierrors "github.com/ceramicnetwork/go-cas/internal/pkg/errors"
)

// anchorABI is the single contract function the service invokes.
const anchorABI = `[{"inputs":[{"internalType":"bytes32","name":"_root","type":"bytes32"}],"name":"anchorDagCbor","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

const (
	stepRetries      = 3
	stepRetryDelay   = time.Second
	receiptPollDelay = 5 * time.Second
)

// Client is the subset of the Ethereum RPC surface the submitter uses.
type Client interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ Client = (*ethclient.Client)(nil)

// Submitter anchors Merkle roots on chain. One transaction attempt walks
// fee estimation, simulation, submission and receipt confirmation; a
// failed receipt re-enters fee estimation with bumped fees.
type Submitter struct {
	client   Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	abi      abi.ABI
	cfg      config.EthereumConfig
	logger   *slog.Logger
}

// NewSubmitter creates a Submitter from the Ethereum configuration.
func NewSubmitter(client Client, cfg config.EthereumConfig, logger *slog.Logger) (*Submitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	return &Submitter{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.ContractAddress),
		chainID:  big.NewInt(cfg.ChainID),
		abi:      parsed,
		cfg:      cfg,
		logger:   logger.With("component", "eth"),
	}, nil
}

// Chain returns the CAIP-2 chain identifier written into anchor proofs.
func (s *Submitter) Chain() string {
	return fmt.Sprintf("eip155:%d", s.cfg.ChainID)
}

// SubmitAnchor writes the Merkle root to the anchoring contract and waits
// for a successful receipt.
func (s *Submitter) SubmitAnchor(ctx context.Context, root cid.Cid) (*models.Transaction, error) {
	// The bytes32 argument is the raw sha2-256 digest from the CID
	rootBytes := root.Bytes()
	if len(rootBytes) < 36 {
		return nil, fmt.Errorf("root cid too short for digest extraction: %d bytes", len(rootBytes))
	}
	var digest [32]byte
	copy(digest[:], rootBytes[len(rootBytes)-32:])

	calldata, err := s.abi.Pack("anchorDagCbor", digest)
	if err != nil {
		return nil, fmt.Errorf("pack calldata: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		tx, err := s.attempt(ctx, calldata, attempt)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("anchor transaction attempt failed",
				"attempt", attempt+1, "root", root.String(), "error", err)
			continue
		}
		return tx, nil
	}
	return nil, apierrors.ErrTransactionFailure.WithCause(lastErr)
}

var errReceiptReverted = fmt.Errorf("transaction reverted")

func (s *Submitter) attempt(ctx context.Context, calldata []byte, attempt int) (*models.Transaction, error) {
	tipCap, baseFee, err := s.getFees(ctx, attempt)
	if err != nil {
		return nil, err
	}
	// maxFee = baseFee * 1.2 + tip, headroom for base fee drift
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(12))
	feeCap.Div(feeCap, big.NewInt(10))
	feeCap.Add(feeCap, tipCap)

	if err := s.simulate(ctx, calldata); err != nil {
		return nil, err
	}

	signed, err := s.write(ctx, calldata, tipCap, feeCap)
	if err != nil {
		return nil, err
	}

	receipt, err := s.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: tx %s", errReceiptReverted, signed.Hash())
	}

	header, err := s.getHeader(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, err
	}

	return &models.Transaction{
		Chain:          s.Chain(),
		TxHash:         signed.Hash().Hex(),
		BlockNumber:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: int64(header.Time),
	}, nil
}

// getFees returns the priority fee (bumped by 10% per prior attempt) and
// the latest base fee.
func (s *Submitter) getFees(ctx context.Context, attempt int) (tipCap, baseFee *big.Int, err error) {
	err = s.withRetry(ctx, "fee history", func(ctx context.Context) error {
		history, err := s.client.FeeHistory(ctx, 1, nil, nil)
		if err != nil {
			return err
		}
		if len(history.BaseFee) == 0 {
			return fmt.Errorf("empty fee history")
		}
		baseFee = history.BaseFee[len(history.BaseFee)-1]

		tip, err := s.client.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		tipCap = new(big.Int).Mul(tip, big.NewInt(int64(100+10*attempt)))
		tipCap.Div(tipCap, big.NewInt(100))
		return nil
	})
	return tipCap, baseFee, err
}

func (s *Submitter) simulate(ctx context.Context, calldata []byte) error {
	return s.withRetry(ctx, "simulate", func(ctx context.Context) error {
		_, err := s.client.CallContract(ctx, ethereum.CallMsg{
			From: s.from,
			To:   &s.contract,
			Data: calldata,
		}, nil)
		return err
	})
}

func (s *Submitter) write(ctx context.Context, calldata []byte, tipCap, feeCap *big.Int) (*types.Transaction, error) {
	var signed *types.Transaction
	err := s.withRetry(ctx, "write", func(ctx context.Context) error {
		nonce, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return err
		}
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       s.cfg.GasLimit,
			To:        &s.contract,
			Data:      calldata,
		})
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
		if err != nil {
			return err
		}
		return s.client.SendTransaction(ctx, signed)
	})
	return signed, err
}

func (s *Submitter) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-time.After(receiptPollDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", txHash, ctx.Err())
		}
	}
}

func (s *Submitter) getHeader(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := s.withRetry(ctx, "get block", func(ctx context.Context) error {
		var err error
		header, err = s.client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// withRetry runs one state machine step, retrying transient failures with
// exponential backoff.
func (s *Submitter) withRetry(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < stepRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(stepRetryDelay << (i - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("step failed", "step", step, "try", i+1, "error", err)
	}
	return fmt.Errorf("%s: %w", step, lastErr)
}
