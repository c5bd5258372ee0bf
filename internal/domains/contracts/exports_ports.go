package contracts

import contractports "echo-chat/go-engine/internal/domains/contracts/ports"

type LedgerReader = contractports.LedgerReader
type LedgerWriter = contractports.LedgerWriter
type LedgerGateway = contractports.LedgerGateway
type RecentRecipientStateStore = contractports.RecentRecipientStateStore
type CategorizedError = contractports.CategorizedError
