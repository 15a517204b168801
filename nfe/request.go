// Package nfe assembles Bling NFe (nota fiscal eletronica) payloads
// from the data collected by the invoice form.
package nfe

import (
	"errors"
	"html"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultUnit is the unit used for products without one
const DefaultUnit = "UN"

// Product is a single invoice line as sent by the form
type Product struct {
	Nome       string  `json:"nome" yaml:"nome" validate:"required"`
	Valor      float64 `json:"valor" yaml:"valor" validate:"gt=0"`
	Quantidade int     `json:"quantidade" yaml:"quantidade" validate:"gte=0"`
	Unidade    string  `json:"unidade" yaml:"unidade"`
}

// Request is the nfeData body of the create-nfe route. NomeProduto and
// Valor describe the first product and are used alone when Produtos is
// empty.
type Request struct {
	Nome              string    `json:"nome" yaml:"nome" validate:"required"`
	TipoPessoa        string    `json:"tipoPessoa" yaml:"tipoPessoa" validate:"omitempty,oneof=F J"`
	NumeroDocumento   string    `json:"numeroDocumento" yaml:"numeroDocumento" validate:"required"`
	Contribuinte      int       `json:"contribuinte" yaml:"contribuinte" validate:"omitempty,oneof=1 2 9"`
	InscricaoEstadual string    `json:"inscricaoEstadual" yaml:"inscricaoEstadual"`
	Telefone          string    `json:"telefone" yaml:"telefone"`
	Email             string    `json:"email" yaml:"email"`
	Endereco          string    `json:"endereco" yaml:"endereco"`
	Bairro            string    `json:"bairro" yaml:"bairro"`
	Cidade            string    `json:"cidade" yaml:"cidade"`
	Numero            string    `json:"numero" yaml:"numero"`
	Complemento       string    `json:"complemento" yaml:"complemento"`
	Cep               string    `json:"cep" yaml:"cep" validate:"required"`
	UF                string    `json:"uf" yaml:"uf" validate:"omitempty,len=2"`
	NomeProduto       string    `json:"nomeProduto" yaml:"nomeProduto" validate:"required"`
	Valor             float64   `json:"valor" yaml:"valor" validate:"gt=0"`
	Produtos          []Product `json:"produtos" yaml:"produtos" validate:"dive"`
}

// ValidationError maps invalid fields (by json name) to the rule they
// failed
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	return "invalid nfe data: " + strings.Join(names, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the fields Bling needs to accept the invoice
func (r *Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verr validator.ValidationErrors
	if !errors.As(err, &verr) {
		return err
	}
	ve := &ValidationError{Fields: make(map[string]string, len(verr))}
	for _, fe := range verr {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		ve.Fields[ns] = fe.Tag()
	}
	return ve
}

var policy = bluemonday.StrictPolicy()

// clean strips markup from user supplied text. bluemonday escapes
// entities, which is undone since the result is json, not html.
func clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(s)))
}

// Sanitize strips markup and surrounding space from the free text
// fields
func (r *Request) Sanitize() {
	for _, f := range []*string{
		&r.Nome, &r.TipoPessoa, &r.NumeroDocumento, &r.InscricaoEstadual,
		&r.Telefone, &r.Email, &r.Endereco, &r.Bairro, &r.Cidade,
		&r.Numero, &r.Complemento, &r.Cep, &r.UF, &r.NomeProduto,
	} {
		*f = clean(*f)
	}
	r.UF = strings.ToUpper(r.UF)
	r.TipoPessoa = strings.ToUpper(r.TipoPessoa)
	for i := range r.Produtos {
		r.Produtos[i].Nome = clean(r.Produtos[i].Nome)
		r.Produtos[i].Unidade = clean(r.Produtos[i].Unidade)
	}
}

// lines returns the invoice lines with defaults applied; a request
// without products yields a single line from NomeProduto and Valor
func (r *Request) lines() []Product {
	src := r.Produtos
	if len(src) == 0 {
		src = []Product{{Nome: r.NomeProduto, Valor: r.Valor, Quantidade: 1, Unidade: DefaultUnit}}
	}
	out := make([]Product, len(src))
	for i, p := range src {
		if p.Quantidade == 0 {
			p.Quantidade = 1
		}
		if p.Unidade == "" {
			p.Unidade = DefaultUnit
		}
		out[i] = p
	}
	return out
}
