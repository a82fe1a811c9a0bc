package mathsapi

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/trezcool/mathsapp/core"
)

const cardsPath = "/cards/admin"

// Card kinds
const (
	KindContent   = "content"
	KindFile      = "file"
	KindQuiz      = "quiz"
	KindFlashcard = "flashcard"
	KindCloud     = "cloud"
	KindVideo     = "video"
)

var AllKinds = []string{KindContent, KindFile, KindQuiz, KindFlashcard, KindCloud, KindVideo}

type Card struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Subject   string    `json:"subject"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content,omitempty"`
	Position  int       `json:"position"`
	Published bool      `json:"published"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type NewCard struct {
	Title     string `json:"title" validate:"required,max=120"`
	Subject   string `json:"subject" validate:"required,alphanum_"`
	Kind      string `json:"kind" validate:"required,oneof=content file quiz flashcard cloud video"`
	Content   string `json:"content,omitempty"`
	Position  int    `json:"position" validate:"gte=0"`
	Published bool   `json:"published"`
}

// UpdateCard only sends the fields that are set.
type UpdateCard struct {
	Title     *string `json:"title,omitempty" validate:"omitempty,min=1,max=120"`
	Subject   *string `json:"subject,omitempty" validate:"omitempty,alphanum_"`
	Kind      *string `json:"kind,omitempty" validate:"omitempty,oneof=content file quiz flashcard cloud video"`
	Content   *string `json:"content,omitempty"`
	Position  *int    `json:"position,omitempty" validate:"omitempty,gte=0"`
	Published *bool   `json:"published,omitempty"`
}

type cardsPayload struct {
	Result []Card `json:"result"`
}

type cardPayload struct {
	Result Card `json:"result"`
}

func (c *Client) AdminCards(ctx context.Context) ([]Card, error) {
	var payload cardsPayload
	if err := c.Do(ctx, http.MethodGet, cardsPath, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Result, nil
}

func (c *Client) CreateCard(ctx context.Context, card NewCard) (Card, error) {
	card.Title = core.CleanString(card.Title)
	card.Subject = core.CleanString(card.Subject, true /* lower */)
	if err := c.validate.Struct(card); err != nil {
		return Card{}, err
	}

	var payload cardPayload
	if err := c.Do(ctx, http.MethodPost, cardsPath, card, &payload); err != nil {
		return Card{}, err
	}
	return payload.Result, nil
}

func (c *Client) UpdateCard(ctx context.Context, id string, card UpdateCard) (Card, error) {
	if id == "" {
		return Card{}, core.NewValidationError(nil, core.FieldError{Field: "id", Error: "this field is required"})
	}
	if err := c.validate.Struct(card); err != nil {
		return Card{}, err
	}

	var payload cardPayload
	if err := c.Do(ctx, http.MethodPut, cardsPath+"/"+url.PathEscape(id), card, &payload); err != nil {
		return Card{}, err
	}
	return payload.Result, nil
}

func (c *Client) DeleteCard(ctx context.Context, id string) error {
	if id == "" {
		return core.NewValidationError(nil, core.FieldError{Field: "id", Error: "this field is required"})
	}
	return c.Do(ctx, http.MethodDelete, cardsPath+"/"+url.PathEscape(id), nil, nil)
}
