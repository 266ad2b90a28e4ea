package database

import "context"

// Stores bundles every durable store backed by one Database. It is
// constructed once at startup and passed explicitly to the dispatcher
// and the import worker; there are no package-level singletons.
type Stores struct {
	Transactions  *TransactionStore
	BotRooms      *BotRoomStore
	Queue         *QueueStore
	RoomsToRemove *RoomsToRemoveStore
	Config        *ConfigStore
}

// OpenStores loads all stores from d. Any backing-table failure is
// fatal: a store that cannot materialize its cache must not serve.
func OpenStores(ctx context.Context, d *Database) (*Stores, error) {
	transactions, err := NewTransactionStore(ctx, d)
	if err != nil {
		return nil, err
	}
	botRooms, err := NewBotRoomStore(ctx, d)
	if err != nil {
		return nil, err
	}
	queue, err := NewQueueStore(ctx, d)
	if err != nil {
		return nil, err
	}
	roomsToRemove, err := NewRoomsToRemoveStore(ctx, d)
	if err != nil {
		return nil, err
	}
	config, err := NewConfigStore(ctx, d)
	if err != nil {
		return nil, err
	}

	return &Stores{
		Transactions:  transactions,
		BotRooms:      botRooms,
		Queue:         queue,
		RoomsToRemove: roomsToRemove,
		Config:        config,
	}, nil
}
