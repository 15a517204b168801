package nfe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Invoice type and status codes used for new invoices
const (
	TipoSaida        = 1 // outgoing
	SituacaoPendente = 1 // draft, still being typed
)

// Payload is the body posted to the Bling nfe endpoint
type Payload struct {
	Numero       int64   `json:"numero"`
	DataOperacao string  `json:"dataOperacao"`
	Tipo         int     `json:"tipo"`
	Situacao     int     `json:"situacao"`
	Contato      Contato `json:"contato"`
	Itens        []Item  `json:"itens"`
	Observacoes  string  `json:"observacoes"`
}

// Contato is the invoice recipient
type Contato struct {
	Nome            string   `json:"nome"`
	TipoPessoa      string   `json:"tipoPessoa,omitempty"`
	NumeroDocumento string   `json:"numeroDocumento"`
	IE              string   `json:"ie"`
	Contribuinte    int      `json:"contribuinte,omitempty"`
	Telefone        string   `json:"telefone"`
	Email           string   `json:"email"`
	Endereco        Endereco `json:"endereco"`
}

// Endereco is the recipient address
type Endereco struct {
	Endereco    string `json:"endereco"`
	Bairro      string `json:"bairro"`
	Municipio   string `json:"municipio"`
	Numero      string `json:"numero"`
	Complemento string `json:"complemento"`
	Cep         string `json:"cep"`
	UF          string `json:"uf"`
	Pais        string `json:"pais"`
}

// Item is an invoice line
type Item struct {
	Codigo     string  `json:"codigo"`
	Descricao  string  `json:"descricao"`
	Unidade    string  `json:"unidade"`
	Quantidade int     `json:"quantidade"`
	Valor      float64 `json:"valor"`
	Item       Produto `json:"item"`
}

// Produto is the product record Bling creates alongside an item
type Produto struct {
	Codigo              string  `json:"codigo"`
	Descricao           string  `json:"descricao"`
	Tipo                string  `json:"tipo"`
	Situacao            string  `json:"situacao"`
	Unidade             string  `json:"unidade"`
	Preco               float64 `json:"preco"`
	ClassificacaoFiscal string  `json:"classificacaoFiscal"`
}

// OnlyDigits removes everything but digits, for document numbers and
// postcodes typed with punctuation
func OnlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// BuildPayload assembles the Bling invoice for req with the given
// invoice number. now sets the operation date and the product codes.
func BuildPayload(req *Request, numero int64, now time.Time) *Payload {
	stamp := now.UnixMilli()

	numeroEndereco := req.Numero
	if numeroEndereco == "" {
		numeroEndereco = "S/N"
	}

	lines := req.lines()
	itens := make([]Item, len(lines))
	for i, p := range lines {
		codigo := fmt.Sprintf("PROD_%d_%d", stamp, i+1)
		itens[i] = Item{
			Codigo:     codigo,
			Descricao:  p.Nome,
			Unidade:    p.Unidade,
			Quantidade: p.Quantidade,
			Valor:      p.Valor,
			Item: Produto{
				Codigo:              codigo,
				Descricao:           p.Nome,
				Tipo:                "P",
				Situacao:            "A",
				Unidade:             p.Unidade,
				Preco:               p.Valor,
				ClassificacaoFiscal: "00000000",
			},
		}
	}

	return &Payload{
		Numero:       numero,
		DataOperacao: now.UTC().Format("2006-01-02"),
		Tipo:         TipoSaida,
		Situacao:     SituacaoPendente,
		Contato: Contato{
			Nome:            req.Nome,
			TipoPessoa:      req.TipoPessoa,
			NumeroDocumento: OnlyDigits(req.NumeroDocumento),
			IE:              req.InscricaoEstadual,
			Contribuinte:    req.Contribuinte,
			Telefone:        req.Telefone,
			Email:           req.Email,
			Endereco: Endereco{
				Endereco:    req.Endereco,
				Bairro:      req.Bairro,
				Municipio:   req.Cidade,
				Numero:      numeroEndereco,
				Complemento: req.Complemento,
				Cep:         OnlyDigits(req.Cep),
				UF:          req.UF,
				Pais:        "Brasil",
			},
		},
		Itens:       itens,
		Observacoes: Observacoes(req),
	}
}

// Observacoes is the free text note attached to the invoice, listing
// the client and products
func Observacoes(req *Request) string {
	var b strings.Builder
	b.WriteString("NFe criada automaticamente\n")
	fmt.Fprintf(&b, "Cliente: %s\n", req.Nome)

	if len(req.Produtos) == 0 {
		fmt.Fprintf(&b, "Produto: %s\nValor: R$ %.2f", req.NomeProduto, req.Valor)
		return b.String()
	}

	lines := req.lines()
	fmt.Fprintf(&b, "Produtos (%d):\n", len(lines))
	var total float64
	for i, p := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s - Qtd: %d - Valor: R$ %.2f", i+1, p.Nome, p.Quantidade, p.Valor)
		total += p.Valor * float64(p.Quantidade)
	}
	fmt.Fprintf(&b, "\nTotal: R$ %.2f", total)
	return b.String()
}

// Info summarises a created invoice
type Info struct {
	Cliente   string  `json:"cliente"`
	Documento string  `json:"documento"`
	Produto   string  `json:"produto"`
	Valor     float64 `json:"valor"`
	Numero    int64   `json:"numero"`
}

// CreateResponse is the create-nfe route's answer; Data is the Bling
// response body
type CreateResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	NFeInfo Info            `json:"nfeInfo"`
}
