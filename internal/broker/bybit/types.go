package bybit

// envelope is the v5 response wrapper. retCode 0 is success.
type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type listResult[T any] struct {
	Category string `json:"category"`
	List     []T    `json:"list"`
}

// The v5 API quotes every number.

type instrumentInfo struct {
	Symbol         string `json:"symbol"`
	LotSizeFilter  struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LeverageFilter struct {
		MaxLeverage string `json:"maxLeverage"`
	} `json:"leverageFilter"`
}

type tickerInfo struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

type walletAccount struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin            string `json:"coin"`
		WalletBalance   string `json:"walletBalance"`
		AvailableToTrade string `json:"availableToWithdraw"`
	} `json:"coin"`
}

type orderInfo struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
}

type positionInfo struct {
	PositionIdx int    `json:"positionIdx"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	Leverage    string `json:"leverage"`
	LiqPrice    string `json:"liqPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
}

type createOrderResult struct {
	OrderID string `json:"orderId"`
}

type orderCreateRequest struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	ReduceOnly   bool   `json:"reduceOnly,omitempty"`
	TimeInForce  string `json:"timeInForce,omitempty"`
}

type orderCancelRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}
