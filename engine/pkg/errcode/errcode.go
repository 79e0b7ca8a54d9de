// Package errcode defines the named failure codes surfaced by the settlement engine.
//
// Every code belongs to exactly one Kind. Callers match codes with errors.Is and classify
// wrapped errors with KindOf.
package errcode

import (
	"errors"
	"fmt"
)

// Kind classifies a failure code.
type Kind int

const (
	// KindUnknown is an error that carries no engine code.
	KindUnknown Kind = iota
	// KindAuthorization is a caller identity mismatch against a configured administrative key.
	KindAuthorization
	// KindConfiguration is a supplied address that fails allow-list verification.
	KindConfiguration
	// KindAccountIntegrity is a record with the wrong owner, size, flag or layout.
	KindAccountIntegrity
	// KindFunds is an insufficient deposit or a full chain.
	KindFunds
	// KindExternalCall is a failed deposit, mint or transfer in the token-accounting module.
	KindExternalCall
	// KindOracle is an unreadable price feed.
	KindOracle
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindConfiguration:
		return "configuration"
	case KindAccountIntegrity:
		return "account_integrity"
	case KindFunds:
		return "funds"
	case KindExternalCall:
		return "external_call"
	case KindOracle:
		return "oracle"
	default:
		return "unknown"
	}
}

// Error is a named failure code.
type Error struct {
	Code    uint32
	Name    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

const firstCode = 6000

var registry []*Error

func define(name string, kind Kind, msg string) *Error {
	e := &Error{Code: uint32(firstCode + len(registry)), Name: name, Kind: kind, Message: msg}
	registry = append(registry, e)
	return e
}

// Codes are numbered in declaration order starting at 6000. Do not reorder.
var (
	AlreadyInitialized          = define("AlreadyInitialized", KindAccountIntegrity, "State account already initialized")
	InvalidStateAccount         = define("InvalidStateAccount", KindAccountIntegrity, "Invalid state account (must be owned by program)")
	InvalidStateSize            = define("InvalidStateSize", KindAccountIntegrity, "Invalid state account size")
	InvalidVaultALpAddress      = define("InvalidVaultALpAddress", KindConfiguration, "Invalid vault A LP address")
	InvalidVaultALpMintAddress  = define("InvalidVaultALpMintAddress", KindConfiguration, "Invalid vault A LP mint address")
	InvalidTokenAVaultAddress   = define("InvalidTokenAVaultAddress", KindConfiguration, "Invalid token A vault address")
	ReferrerNotRegistered       = define("ReferrerNotRegistered", KindAccountIntegrity, "Referrer account is not registered")
	InvalidUpline               = define("InvalidUpline", KindAccountIntegrity, "Invalid upline relationship")
	InvalidUplineDepth          = define("InvalidUplineDepth", KindAccountIntegrity, "Invalid upline depth")
	NotAuthorized               = define("NotAuthorized", KindAuthorization, "Not authorized")
	ChainFull                   = define("ChainFull", KindFunds, "Chain is already full")
	InvalidSlotOwner            = define("InvalidSlotOwner", KindAccountIntegrity, "Slot account not owned by program")
	SlotNotRegistered           = define("SlotNotRegistered", KindAccountIntegrity, "Slot account not registered")
	InvalidSlotReferrer         = define("InvalidSlotReferrer", KindAccountIntegrity, "Invalid referrer in chain slot")
	CannotLoadUplineAccount     = define("CannotLoadUplineAccount", KindAccountIntegrity, "Cannot load upline account")
	InvalidAccountDiscriminator = define("InvalidAccountDiscriminator", KindAccountIntegrity, "Invalid account discriminator")
	InsufficientDeposit         = define("InsufficientDeposit", KindFunds, "Insufficient deposit amount")
	DepositToPoolFailed         = define("DepositToPoolFailed", KindExternalCall, "Failed to process deposit to pool")
	SolReserveFailed            = define("SolReserveFailed", KindExternalCall, "Failed to process SOL reserve")
	ReferrerPaymentFailed       = define("ReferrerPaymentFailed", KindExternalCall, "Failed to process referrer payment")
	WrapSolFailed               = define("WrapSolFailed", KindExternalCall, "Failed to wrap SOL to WSOL")
	UnwrapSolFailed             = define("UnwrapSolFailed", KindExternalCall, "Failed to unwrap WSOL to SOL")
	TokenMintFailed             = define("TokenMintFailed", KindExternalCall, "Failed to mint tokens")
	TokenTransferFailed         = define("TokenTransferFailed", KindExternalCall, "Failed to transfer tokens")
	InvalidPoolAddress          = define("InvalidPoolAddress", KindConfiguration, "Invalid pool address")
	InvalidVaultAddress         = define("InvalidVaultAddress", KindConfiguration, "Invalid vault address")
	InvalidTokenMintAddress     = define("InvalidTokenMintAddress", KindConfiguration, "Invalid token mint address")
	InvalidTokenAccount         = define("InvalidTokenAccount", KindAccountIntegrity, "Invalid token account")
	InvalidWalletForATA         = define("InvalidWalletForATA", KindAccountIntegrity, "Invalid wallet for ATA")
	UplineEntryCreationFailed   = define("UplineEntryCreationFailed", KindAccountIntegrity, "Failed to create upline entry")
	MissingUplineAccount        = define("MissingUplineAccount", KindAccountIntegrity, "Missing required account for upline")
	PaymentWalletInvalid        = define("PaymentWalletInvalid", KindAccountIntegrity, "Payment wallet is not a system account")
	TokenAccountInvalid         = define("TokenAccountInvalid", KindAccountIntegrity, "Token account is not a valid ATA")
	MissingVaultAAccounts       = define("MissingVaultAAccounts", KindAccountIntegrity, "Missing vault A accounts")
	PriceFeedReadFailed         = define("PriceFeedReadFailed", KindOracle, "Failed to read price feed")
	PriceFeedTooOld             = define("PriceFeedTooOld", KindOracle, "Price feed too old")
	InvalidChainlinkProgram     = define("InvalidChainlinkProgram", KindConfiguration, "Invalid Chainlink program")
	InvalidPriceFeed            = define("InvalidPriceFeed", KindConfiguration, "Invalid price feed")
	MissingWsolAccount          = define("MissingWsolAccount", KindAccountIntegrity, "WSOL account not provided when required")
	InvalidWsolAccount          = define("InvalidWsolAccount", KindAccountIntegrity, "Invalid WSOL account")
	InvalidAccountData          = define("InvalidAccountData", KindAccountIntegrity, "Invalid account data")
	DuplicateAccount            = define("DuplicateAccount", KindAccountIntegrity, "Account supplied more than once as a mutation target")
	InvalidUserAccount          = define("InvalidUserAccount", KindAccountIntegrity, "User account is not the derived record or is already in use")
	CounterExhausted            = define("CounterExhausted", KindAccountIntegrity, "Global id counter exhausted")
)

// All returns every defined code in numeric order.
func All() []*Error {
	out := make([]*Error, len(registry))
	copy(out, registry)
	return out
}

// ByCode looks up a code by number.
func ByCode(code uint32) (*Error, bool) {
	idx := int(code) - firstCode
	if idx < 0 || idx >= len(registry) {
		return nil, false
	}
	return registry[idx], true
}

// CodeOf returns the engine code carried by err, if any.
func CodeOf(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Errors without an engine code are KindUnknown.
func KindOf(err error) Kind {
	if e, ok := CodeOf(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Wrap annotates code with a formatted detail while keeping it matchable with errors.Is.
func Wrap(code *Error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), code)
}
