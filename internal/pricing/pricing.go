// Package pricing вычисляет цену за человека в групповом бронировании.
//
// Цена зависит только от числа участников и параметров политики, поэтому
// нигде не хранится отдельно от этих полей.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MinorUnitPlaces: количество знаков после запятой у денежной единицы.
const MinorUnitPlaces = 2

var (
	ErrBasePriceInvalid    = errors.New("base price must be positive")
	ErrDiscountStepInvalid = errors.New("discount step must be non-negative")
	ErrPriceFloorInvalid   = errors.New("price floor must be non-negative and not above base price")
	ErrPrecisionInvalid    = errors.New("prices must have at most 2 decimal places")
)

// Policy описывает кривую скидки группы.
type Policy struct {
	BasePrice    decimal.Decimal
	DiscountStep decimal.Decimal
	PriceFloor   decimal.Decimal
}

// Validate проверяет параметры политики.
func (p Policy) Validate() error {
	if !p.BasePrice.IsPositive() {
		return ErrBasePriceInvalid
	}
	if p.DiscountStep.IsNegative() {
		return ErrDiscountStepInvalid
	}
	if p.PriceFloor.IsNegative() || p.PriceFloor.GreaterThan(p.BasePrice) {
		return ErrPriceFloorInvalid
	}
	// Иначе Price(base, 1, ...) округлит базовую цену.
	for _, amount := range []decimal.Decimal{p.BasePrice, p.DiscountStep, p.PriceFloor} {
		if !amount.Equal(amount.Round(MinorUnitPlaces)) {
			return ErrPrecisionInvalid
		}
	}
	return nil
}

// PriceFor возвращает цену за человека при заданном числе участников.
func (p Policy) PriceFor(participants int) decimal.Decimal {
	return Price(p.BasePrice, participants, p.DiscountStep, p.PriceFloor)
}

// Total возвращает стоимость для участника с указанным размером компании.
func (p Policy) Total(participants, partySize int) decimal.Decimal {
	return p.PriceFor(participants).Mul(decimal.NewFromInt(int64(partySize)))
}

// Price = max(floor, base − step × max(0, participants − 1)).
// Округление half-up до копеек выполняется один раз, в самом конце.
func Price(base decimal.Decimal, participants int, step, floor decimal.Decimal) decimal.Decimal {
	discounted := participants - 1
	if discounted < 0 {
		discounted = 0
	}

	price := base.Sub(step.Mul(decimal.NewFromInt(int64(discounted))))
	if price.LessThan(floor) {
		price = floor
	}

	return RoundHalfUp(price)
}

// RoundHalfUp округляет до минимальной денежной единицы.
// decimal.Round округляет половину от нуля, для неотрицательных сумм это half-up.
func RoundHalfUp(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MinorUnitPlaces)
}
