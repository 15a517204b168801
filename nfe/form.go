package nfe

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tab names of the invoice form, in display order
const (
	TabCliente  = "cliente"
	TabEndereco = "endereco"
	TabContato  = "contato"
	TabProduto  = "produto"
)

// Tabs lists the form tabs in display order
var Tabs = []string{TabCliente, TabEndereco, TabContato, TabProduto}

// FormProduct is a product row as typed into the form
type FormProduct struct {
	NomeProduto string `json:"nomeProduto" yaml:"nomeProduto"`
	Valor       string `json:"valor" yaml:"valor"`
	Quantidade  int    `json:"quantidade" yaml:"quantidade"`
	Unidade     string `json:"unidade" yaml:"unidade"`
}

// Form holds the invoice form: client, address, contact and product
// tabs
type Form struct {
	// cliente
	TipoPessoa        string `json:"tipoPessoa" yaml:"tipoPessoa"`
	Contribuinte      string `json:"contribuinte" yaml:"contribuinte"`
	RazaoSocial       string `json:"razaoSocial" yaml:"razaoSocial"`
	NomeFantasia      string `json:"nomeFantasia" yaml:"nomeFantasia"`
	NumeroDocumento   string `json:"numeroDocumento" yaml:"numeroDocumento"`
	InscricaoEstadual string `json:"inscricaoEstadual" yaml:"inscricaoEstadual"`

	// endereco
	Cep         string `json:"cep" yaml:"cep"`
	UF          string `json:"uf" yaml:"uf"`
	Cidade      string `json:"cidade" yaml:"cidade"`
	Bairro      string `json:"bairro" yaml:"bairro"`
	Endereco    string `json:"endereco" yaml:"endereco"`
	Numero      string `json:"numero" yaml:"numero"`
	Complemento string `json:"complemento" yaml:"complemento"`

	// contato
	Telefone string `json:"telefone" yaml:"telefone"`
	Celular  string `json:"celular" yaml:"celular"`
	Email    string `json:"email" yaml:"email"`

	// produto
	Produtos []FormProduct `json:"produtos" yaml:"produtos"`
}

// FormError lists what stops a form from being submitted
type FormError struct {
	Missing         []string
	InvalidProducts []int
}

func (e *FormError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "required fields missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.InvalidProducts) > 0 {
		parts = append(parts, "every product needs a name and a valid value")
	}
	return strings.Join(parts, "; ")
}

// NewForm returns a form with the initial selections and one empty
// product row
func NewForm() *Form {
	return &Form{
		TipoPessoa:   "J",
		Contribuinte: "1",
		Produtos:     []FormProduct{newFormProduct()},
	}
}

func newFormProduct() FormProduct {
	return FormProduct{Quantidade: 1, Unidade: DefaultUnit}
}

// AddProduct appends an empty product row
func (f *Form) AddProduct() {
	f.Produtos = append(f.Produtos, newFormProduct())
}

// RemoveProduct removes product row i. The last row is never removed.
func (f *Form) RemoveProduct(i int) bool {
	if len(f.Produtos) <= 1 || i < 0 || i >= len(f.Produtos) {
		return false
	}
	f.Produtos = append(f.Produtos[:i], f.Produtos[i+1:]...)
	return true
}

// TabOf returns the tab a form field is shown on
func TabOf(field string) string {
	switch field {
	case "tipoPessoa", "contribuinte", "razaoSocial", "nomeFantasia", "numeroDocumento", "inscricaoEstadual":
		return TabCliente
	case "cep", "uf", "cidade", "bairro", "endereco", "numero", "complemento":
		return TabEndereco
	case "telefone", "celular", "email":
		return TabContato
	}
	return TabProduto
}

// parseValor reads a price typed with either decimal separator. Only
// finite values are accepted.
func parseValor(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("valor %q is not a number", s)
	}
	return v, nil
}

// Validate checks required fields and product rows
func (f *Form) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"razaoSocial", f.RazaoSocial},
		{"numeroDocumento", f.NumeroDocumento},
		{"cep", f.Cep},
		{"uf", f.UF},
		{"cidade", f.Cidade},
		{"bairro", f.Bairro},
		{"endereco", f.Endereco},
	}
	fe := &FormError{}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			fe.Missing = append(fe.Missing, r.name)
		}
	}
	if len(f.Produtos) == 0 {
		fe.Missing = append(fe.Missing, "produtos")
	}
	for i, p := range f.Produtos {
		v, err := parseValor(p.Valor)
		if strings.TrimSpace(p.NomeProduto) == "" || err != nil || !(v > 0) {
			fe.InvalidProducts = append(fe.InvalidProducts, i)
		}
	}
	if len(fe.Missing) > 0 || len(fe.InvalidProducts) > 0 {
		return fe
	}
	return nil
}

// Request converts a validated form to the create-nfe request body
func (f *Form) Request() (*Request, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	contribuinte, _ := strconv.Atoi(strings.TrimSpace(f.Contribuinte))

	produtos := make([]Product, len(f.Produtos))
	for i, p := range f.Produtos {
		v, err := parseValor(p.Valor)
		if err != nil {
			return nil, fmt.Errorf("product %d: %w", i+1, err)
		}
		q := p.Quantidade
		if q <= 0 {
			q = 1
		}
		u := p.Unidade
		if u == "" {
			u = DefaultUnit
		}
		produtos[i] = Product{Nome: p.NomeProduto, Valor: v, Quantidade: q, Unidade: u}
	}

	return &Request{
		Nome:              f.RazaoSocial,
		NumeroDocumento:   f.NumeroDocumento,
		TipoPessoa:        f.TipoPessoa,
		Contribuinte:      contribuinte,
		InscricaoEstadual: f.InscricaoEstadual,
		Telefone:          f.Telefone,
		Email:             f.Email,
		Endereco:          f.Endereco,
		Bairro:            f.Bairro,
		Cidade:            f.Cidade,
		Numero:            f.Numero,
		Complemento:       f.Complemento,
		Cep:               f.Cep,
		UF:                f.UF,
		NomeProduto:       produtos[0].Nome,
		Valor:             produtos[0].Valor,
		Produtos:          produtos,
	}, nil
}
