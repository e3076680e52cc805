// Package mock substitutes fake values into configured fields before records
// are written, so sensitive source data never reaches the target.
package mock

import (
	"fmt"
	"strings"
	"time"

	"github.com/jaswdr/faker"
	"github.com/sirupsen/logrus"

	"github.com/datamove-io/datamove/pkg/models"
)

// Mocker applies per-field mock rules to outgoing records.
type Mocker struct {
	Faker   faker.Faker
	Logger  *logrus.Logger
	counter int
}

// NewMocker creates a mocker with a fresh faker instance.
func NewMocker(logger *logrus.Logger) *Mocker {
	return &Mocker{Faker: faker.New(), Logger: logger}
}

// Apply replaces the configured fields of a record in place. Unknown
// patterns fall back to a sequential placeholder so a typo in the plan never
// leaks the original value.
func (m *Mocker) Apply(rec models.Record, rules []models.MockRule) {
	for _, rule := range rules {
		if _, ok := rec[rule.Field]; !ok {
			continue
		}
		rec[rule.Field] = m.value(rule)
	}
}

func (m *Mocker) value(rule models.MockRule) interface{} {
	switch strings.ToLower(rule.Pattern) {
	case "name":
		return m.Faker.Person().Name()
	case "first_name":
		return m.Faker.Person().FirstName()
	case "last_name":
		return m.Faker.Person().LastName()
	case "company":
		return m.Faker.Company().Name()
	case "email":
		return m.Faker.Internet().Email()
	case "phone":
		return m.Faker.Phone().Number()
	case "address":
		return m.Faker.Address().Address()
	case "city":
		return m.Faker.Address().City()
	case "state":
		return m.Faker.Address().State()
	case "country":
		return m.Faker.Address().Country()
	case "zip", "postal_code":
		return m.Faker.Address().PostCode()
	case "url", "website":
		return m.Faker.Internet().URL()
	case "text", "description":
		return m.Faker.Lorem().Sentence(8)
	case "word":
		return m.Faker.Lorem().Word()
	case "number":
		return m.Faker.IntBetween(1, 1000000)
	case "boolean":
		return m.Faker.Boolean().Bool()
	case "date":
		return m.Faker.Time().ISO8601(time.Now())
	default:
		m.counter++
		m.Logger.Debugf("Unknown mock pattern %q for field %s, using sequential placeholder", rule.Pattern, rule.Field)
		return fmt.Sprintf("%s_%d", rule.Field, m.counter)
	}
}
