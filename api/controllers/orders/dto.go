package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"

	internalorders "github.com/angelmondragon/peermarket-backend/internal/orders"
	"github.com/angelmondragon/peermarket-backend/internal/timeline"
	"github.com/angelmondragon/peermarket-backend/pkg/db/models"
	"github.com/angelmondragon/peermarket-backend/pkg/enums"
)

type lineItemRequest struct {
	ProductID string `json:"productId" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"required,gt=0,lte=10000"`
	UnitPrice int64  `json:"unitPrice" validate:"gte=0,lte=99999999"`
	IsDigital bool   `json:"isDigital"`
}

type createOrderRequest struct {
	SellerID string            `json:"sellerId" validate:"required,uuid"`
	Currency string            `json:"currency" validate:"omitempty,currency"`
	Items    []lineItemRequest `json:"items" validate:"required,min=1,dive"`
}

func (req createOrderRequest) toInput(actor internalorders.Actor) internalorders.CreateOrderInput {
	items := make([]internalorders.LineItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, internalorders.LineItemInput{
			ProductID:      uuid.MustParse(item.ProductID),
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPrice,
			IsDigital:      item.IsDigital,
		})
	}
	return internalorders.CreateOrderInput{
		Actor:    actor,
		SellerID: uuid.MustParse(req.SellerID),
		Currency: strings.ToLower(strings.TrimSpace(req.Currency)),
		Items:    items,
	}
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type markPaidRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"omitempty,max=255"`
}

type lineItemResponse struct {
	ProductID uuid.UUID            `json:"productId"`
	Quantity  int                  `json:"quantity"`
	UnitPrice int64                `json:"unitPrice"`
	IsDigital bool                 `json:"isDigital"`
	Status    enums.LineItemStatus `json:"lineStatus"`
}

type orderResponse struct {
	ID              uuid.UUID           `json:"id"`
	BuyerID         uuid.UUID           `json:"buyerId"`
	SellerID        uuid.UUID           `json:"sellerId"`
	Products        []lineItemResponse  `json:"products"`
	Status          enums.OrderStatus   `json:"status"`
	PaymentStatus   enums.PaymentStatus `json:"paymentStatus"`
	PaymentIntentID *string             `json:"paymentIntentId,omitempty"`
	TotalCents      int64               `json:"totalCents"`
	Currency        string              `json:"currency"`
	Timeline        []timeline.Entry    `json:"timeline"`
	Version         int64               `json:"version"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func toOrderResponse(order *models.Order) *orderResponse {
	if order == nil {
		return nil
	}
	products := make([]lineItemResponse, 0, len(order.Products))
	for _, item := range order.Products {
		products = append(products, lineItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPriceCents,
			IsDigital: item.IsDigital,
			Status:    item.Status,
		})
	}
	return &orderResponse{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		SellerID:        order.SellerID,
		Products:        products,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		PaymentIntentID: order.PaymentIntentID,
		TotalCents:      order.TotalCents,
		Currency:        order.Currency,
		Timeline:        order.Timeline.Entries(),
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}

type orderListResponse struct {
	Items      []*orderResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func toOrderListResponse(list *internalorders.OrderList) orderListResponse {
	out := orderListResponse{Items: []*orderResponse{}}
	if list == nil {
		return out
	}
	for i := range list.Items {
		out.Items = append(out.Items, toOrderResponse(&list.Items[i]))
	}
	out.NextCursor = list.NextCursor
	return out
}

type paymentResponse struct {
	Order           *orderResponse `json:"order"`
	PaymentIntentID string         `json:"paymentIntentId"`
	ClientSecret    string         `json:"clientSecret,omitempty"`
}

type refundResponse struct {
	Order    *orderResponse `json:"order"`
	RefundID string         `json:"refundId,omitempty"`
}

type payoutEntryResponse struct {
	ID          uuid.UUID               `json:"id"`
	Type        enums.PayoutEntryType   `json:"type"`
	Status      enums.PayoutEntryStatus `json:"status"`
	GrossCents  int64                   `json:"grossCents"`
	FeeCents    int64                   `json:"feeCents"`
	AmountCents int64                   `json:"amountCents"`
	Currency    string                  `json:"currency"`
	GatewayRef  *string                 `json:"gatewayRef,omitempty"`
	LastError   *string                 `json:"lastError,omitempty"`
	ExecutedAt  *time.Time              `json:"executedAt,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
}

func toPayoutResponses(entries []models.PayoutEntry) []payoutEntryResponse {
	out := make([]payoutEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, payoutEntryResponse{
			ID:          e.ID,
			Type:        e.Type,
			Status:      e.Status,
			GrossCents:  e.GrossCents,
			FeeCents:    e.FeeCents,
			AmountCents: e.AmountCents,
			Currency:    e.Currency,
			GatewayRef:  e.GatewayRef,
			LastError:   e.LastError,
			ExecutedAt:  e.ExecutedAt,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}
